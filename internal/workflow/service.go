package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

// TransitionRequest asks for an entity to move to a new stage.
type TransitionRequest struct {
	EntityID       string `json:"-"`
	To             string `json:"to"`
	IdempotencyKey string `json:"-"`
}

// Service runs the orchestrator against a Store. It loads the entity and the
// stages of its linked entities, plans the transition, persists it with a
// version check and only then announces it.
type Service struct {
	orchestrator   *Orchestrator
	store          Store
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
	clock          func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithIdempotencyStore enables replay of keyed transition requests.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.idempotency = store
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithServiceMetrics sets the metrics sink.
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the clock used when a request carries no pinned time.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a Service.
func NewService(orchestrator *Orchestrator, store Store, opts ...ServiceOption) *Service {
	s := &Service{
		orchestrator:   orchestrator,
		store:          store,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         zap.NewNop(),
		clock:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now returns the request's pinned time, falling back to the service clock.
func (s *Service) now(ctx context.Context) time.Time {
	if t, ok := model.RequestTime(ctx); ok {
		return t
	}
	return s.clock()
}

// Start registers a new entity at its machine's initial stage.
func (s *Service) Start(ctx context.Context, req StartRequest) (model.EntityWorkflowState, error) {
	state, err := s.orchestrator.Start(req, s.now(ctx))
	if err != nil {
		return model.EntityWorkflowState{}, err
	}
	if err := s.store.Create(ctx, state); err != nil {
		return model.EntityWorkflowState{}, err
	}
	s.metrics.RecordEntityStarted(state.MachineName)
	observability.RequestLogger(ctx, s.logger).Info("entity registered", observability.EntityFields(state)...)
	return state, nil
}

// Get returns an entity's current workflow state.
func (s *Service) Get(ctx context.Context, entityID string) (model.EntityWorkflowState, error) {
	return s.store.Get(ctx, entityID)
}

// Transition moves an entity to req.To on behalf of the request's actor.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (result model.TransitionResult, err error) {
	actor := model.ActorID(ctx)

	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrEntityID.String(req.EntityID),
		observability.AttrToStage.String(req.To),
		observability.AttrActorID.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if actor == "" {
		return model.TransitionResult{}, model.NewBadRequestError("an actor is required to change an entity's stage")
	}

	var idemKey, hash string
	if s.idempotency != nil && req.IdempotencyKey != "" {
		idemKey = IdempotencyKey(req.EntityID, req.IdempotencyKey)
		hash = RequestHash(req.EntityID, req.To, actor)
		cached, found, err := s.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			return model.TransitionResult{}, err
		}
		if found && cached != nil {
			span.SetAttributes(observability.AttrReplayed.Bool(true))
			s.metrics.RecordIdempotentReplay(cached.State.MachineName)
			return *cached, nil
		}
	}

	state, err := s.store.Get(ctx, req.EntityID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	span.SetAttributes(observability.EntityAttrs(state)...)

	linked, err := s.linkedStages(ctx, state, req.To)
	if err != nil {
		return model.TransitionResult{}, err
	}

	result, err = s.orchestrator.Plan(state, req.To, actor, s.now(ctx), linked)
	if err != nil {
		s.orchestrator.rejected(state.MachineName, err)
		return model.TransitionResult{}, err
	}

	if err := s.store.Update(ctx, result.State); err != nil {
		return model.TransitionResult{}, err
	}
	result.State.Version++

	s.orchestrator.Emit(ctx, &result)

	if idemKey != "" {
		if err := s.idempotency.Store(ctx, idemKey, hash, result, s.idempotencyTTL); err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("failed to store idempotency result",
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
		}
	}

	observability.RequestLogger(ctx, s.logger).Info("entity transitioned", observability.EventFields(result.Event)...)
	return result, nil
}

// linkedStages reads the current stage of every linked entity the target
// stage depends on. Missing links are left out; the orchestrator reports
// them as unmet prerequisites.
func (s *Service) linkedStages(ctx context.Context, state model.EntityWorkflowState, to string) (map[string]string, error) {
	m, err := s.orchestrator.defs.Machine(state.MachineName)
	if err != nil {
		return nil, err
	}
	target, err := m.Stage(to)
	if err != nil {
		// Let Plan report the unknown stage with its own error.
		return nil, nil
	}

	linked := make(map[string]string, len(target.Requires))
	for _, req := range target.Requires {
		id, ok := state.Links[req.Machine]
		if !ok {
			continue
		}
		other, err := s.store.Get(ctx, id)
		if err != nil {
			if model.AsEnvelope(err).Code == model.ErrEntityNotFound {
				continue
			}
			return nil, fmt.Errorf("load linked %s %q: %w", req.Machine, id, err)
		}
		if other.MachineName != req.Machine {
			continue
		}
		linked[req.Machine] = other.CurrentStateID
	}
	return linked, nil
}

// Assess evaluates an entity's compliance clock at the request time.
func (s *Service) Assess(ctx context.Context, entityID string) (model.ComplianceAssessment, bool, error) {
	state, err := s.store.Get(ctx, entityID)
	if err != nil {
		return model.ComplianceAssessment{}, false, err
	}
	return s.orchestrator.Assess(state, s.now(ctx))
}

// ListOpen returns a machine's entities that are not in a terminal stage.
// It lets the compliance sweeper walk the store.
func (s *Service) ListOpen(ctx context.Context, machine string) ([]model.EntityWorkflowState, error) {
	m, err := s.orchestrator.defs.Machine(machine)
	if err != nil {
		return nil, err
	}
	var open []string
	for _, st := range m.Stages() {
		if !st.Terminal {
			open = append(open, st.ID)
		}
	}
	return s.store.ListByStages(ctx, machine, open)
}
