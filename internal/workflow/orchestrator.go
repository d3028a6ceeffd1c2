// Package workflow applies stage transitions to entity workflow state and
// derives everything that follows from a transition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/notify"
	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/internal/transition"
	"github.com/pitabwire/pravasi/model"
)

// Definitions is the read-only view of loaded definitions the orchestrator
// works from. *definition.Registry satisfies it.
type Definitions interface {
	Machine(name string) (*definition.Machine, error)
	Policy(key string) (model.SlaPolicy, error)
	Policies() []model.SlaPolicy
	RecipientPolicy(machine string) (model.RecipientPolicy, bool)
}

// StartRequest registers an entity on a machine.
type StartRequest struct {
	Machine   string            `json:"machine"`
	EntityID  string            `json:"entity_id"`
	PolicyKey string            `json:"policy_key,omitempty"`
	Links     map[string]string `json:"links,omitempty"`
}

// Orchestrator validates and applies transitions. It holds no entity state
// and never reads the wall clock: every call is given its "now".
type Orchestrator struct {
	defs       Definitions
	validator  *transition.Validator
	evaluator  *compliance.Evaluator
	recipients *notify.Resolver
	dispatcher notify.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// OrchestratorOption configures optional dependencies.
type OrchestratorOption func(*Orchestrator)

// WithDispatcher sets where committed transitions are announced.
func WithDispatcher(d notify.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator over the given definitions.
func NewOrchestrator(defs Definitions, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		defs:       defs,
		validator:  transition.NewValidator(defs),
		evaluator:  compliance.NewEvaluator(defs),
		recipients: notify.NewResolver(defs),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start returns the state of a newly registered entity: the machine's initial
// stage, entered at now, with an empty history.
func (o *Orchestrator) Start(req StartRequest, now time.Time) (model.EntityWorkflowState, error) {
	m, err := o.defs.Machine(req.Machine)
	if err != nil {
		return model.EntityWorkflowState{}, err
	}

	var fields []model.FieldError
	if req.EntityID == "" {
		fields = append(fields, model.FieldError{Field: "entity_id", Code: "REQUIRED", Message: "entity_id is required"})
	}
	if req.PolicyKey != "" {
		p, err := o.defs.Policy(req.PolicyKey)
		switch {
		case err != nil:
			fields = append(fields, model.FieldError{Field: "policy_key", Code: model.ErrUnknownPolicy, Message: err.Error()})
		case p.Machine != req.Machine:
			fields = append(fields, model.FieldError{
				Field:   "policy_key",
				Code:    "MACHINE_MISMATCH",
				Message: fmt.Sprintf("policy %q applies to %s, not %s", p.Key, p.Machine, req.Machine),
			})
		}
	}
	for machine := range req.Links {
		if _, err := o.defs.Machine(machine); err != nil {
			fields = append(fields, model.FieldError{Field: "links." + machine, Code: model.ErrUnknownMachine, Message: err.Error()})
		}
	}
	if len(fields) > 0 {
		return model.EntityWorkflowState{}, model.NewValidationError(fields)
	}

	var links map[string]string
	if len(req.Links) > 0 {
		links = make(map[string]string, len(req.Links))
		for k, v := range req.Links {
			links[k] = v
		}
	}

	return model.EntityWorkflowState{
		EntityID:       req.EntityID,
		MachineName:    m.Name(),
		CurrentStateID: m.Initial().ID,
		EnteredAt:      now,
		CreatedAt:      now,
		PolicyKey:      req.PolicyKey,
		Links:          links,
		History:        []model.HistoryEntry{},
		Version:        1,
	}, nil
}

// Plan validates to against state and returns the would-be result of the
// transition. linked maps a machine name to the current stage of the entity's
// linked record on that machine; it is consulted for stage prerequisites.
//
// state is never modified. The returned result has not been announced.
func (o *Orchestrator) Plan(state model.EntityWorkflowState, to, actor string, now time.Time, linked map[string]string) (model.TransitionResult, error) {
	if err := o.validator.Check(state.MachineName, state.CurrentStateID, to); err != nil {
		return model.TransitionResult{}, err
	}
	if now.Before(state.EnteredAt) {
		return model.TransitionResult{}, &model.NegativeElapsedTimeError{ReferenceTime: state.EnteredAt, Now: now}
	}

	m, err := o.defs.Machine(state.MachineName)
	if err != nil {
		return model.TransitionResult{}, err
	}
	target, err := m.Stage(to)
	if err != nil {
		return model.TransitionResult{}, err
	}
	if err := o.checkPrerequisites(state.MachineName, target, linked); err != nil {
		return model.TransitionResult{}, err
	}

	next := state.Clone()
	next.History = append(next.History, model.HistoryEntry{
		FromState: state.CurrentStateID,
		ToState:   to,
		ChangedAt: now,
		ChangedBy: actor,
	})
	next.CurrentStateID = to
	next.EnteredAt = now

	progress, err := m.Progress(to)
	if err != nil {
		return model.TransitionResult{}, err
	}

	result := model.TransitionResult{
		State:      next,
		Stage:      target,
		Progress:   progress,
		IsTerminal: target.Terminal,
		AllowsEdit: !target.Terminal,
	}

	breached := false
	a, ok, err := o.evaluator.AssessEntity(next, now)
	var unknown *model.UnknownPolicyError
	switch {
	case errors.As(err, &unknown):
		// A reload dropped the entity's policy. The transition is already
		// valid; the entity runs without a clock until it is re-keyed.
		o.metrics.RecordUnknownPolicy(next.MachineName, unknown.Key)
		o.logger.Warn("entity policy not defined; clock skipped",
			append(observability.EntityFields(next), zap.String("policy_key", unknown.Key))...)
	case err != nil:
		return model.TransitionResult{}, fmt.Errorf("assess %s: %w", next.EntityID, err)
	case ok:
		result.Assessment = &a
		breached = a.IsBreached
	}
	result.Recipients = o.recipients.Recipients(next.MachineName, next.PolicyKey, to, breached)

	result.Event = model.TransitionEvent{
		ID:         transitionEventID(state, to, now),
		EntityID:   next.EntityID,
		Machine:    next.MachineName,
		From:       state.CurrentStateID,
		To:         to,
		Actor:      actor,
		ChangedAt:  now,
		Terminal:   target.Terminal,
		Progress:   progress,
		PolicyKey:  next.PolicyKey,
		Recipients: result.Recipients,
	}
	if result.Assessment != nil {
		result.Event.RiskBand = result.Assessment.RiskBand
	}
	return result, nil
}

// eventNamespace scopes the name-based UUIDs of transition events.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:pravasi:transition-event"))

// transitionEventID names the move of state to "to" at now. The entity's
// version is part of the name, so each committed transition gets its own ID
// while planning the same move twice yields the same one.
func transitionEventID(state model.EntityWorkflowState, to string, now time.Time) string {
	name := fmt.Sprintf("%s/%d/%s/%s/%s",
		state.EntityID, state.Version, state.CurrentStateID, to, now.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

func (o *Orchestrator) checkPrerequisites(machine string, target model.StageDefinition, linked map[string]string) error {
	for _, req := range target.Requires {
		stage := linked[req.Machine]
		other, err := o.defs.Machine(req.Machine)
		if err != nil {
			return err
		}
		if stage == "" || !other.Reached(stage, req.MinStage) {
			return &model.PrerequisiteNotMetError{
				Machine:     machine,
				To:          target.ID,
				Requires:    req,
				LinkedStage: stage,
			}
		}
	}
	return nil
}

// Emit records a committed transition and hands its event to the dispatcher.
// A dispatcher error is logged, counted and attached to the result as a
// DispatchError; it is never returned.
func (o *Orchestrator) Emit(ctx context.Context, result *model.TransitionResult) {
	ev := result.Event
	o.metrics.RecordTransition(ev.Machine, ev.From, ev.To, ev.Terminal)

	if o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Notify(ctx, ev); err != nil {
		failure := &model.DispatcherFailure{EntityID: ev.EntityID, Machine: ev.Machine, To: ev.To, Err: err}
		result.DispatchError = failure
		o.metrics.RecordDispatchFailure(ev.Machine)
		observability.RequestLogger(ctx, o.logger).Warn("transition notification failed",
			append(observability.EventFields(ev), zap.Error(err))...,
		)
	}
}

// RequestTransition plans the transition and, if it is accepted, announces it.
// The caller owns persistence and must serialise calls per entity.
func (o *Orchestrator) RequestTransition(ctx context.Context, state model.EntityWorkflowState, to, actor string, now time.Time, linked map[string]string) (result model.TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition", append(observability.EntityAttrs(state),
		observability.AttrToStage.String(to),
		observability.AttrActorID.String(actor),
	)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	result, err = o.Plan(state, to, actor, now, linked)
	if err != nil {
		o.rejected(state.MachineName, err)
		return model.TransitionResult{}, err
	}
	o.Emit(ctx, &result)
	return result, nil
}

// Assess evaluates the entity's compliance clock at now.
func (o *Orchestrator) Assess(state model.EntityWorkflowState, now time.Time) (model.ComplianceAssessment, bool, error) {
	a, ok, err := o.evaluator.AssessEntity(state, now)
	if err == nil && ok {
		o.metrics.RecordAssessment(a.PolicyKey, string(a.RiskBand))
	}
	return a, ok, err
}

func (o *Orchestrator) rejected(machine string, err error) {
	o.metrics.RecordTransitionRejection(machine, model.AsEnvelope(err).Code)
}
