package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/pravasi/internal/notify"
	"github.com/pitabwire/pravasi/model"
)

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	now    time.Time
	events []model.TransitionEvent
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	f := &serviceFixture{store: NewMemoryStore(), now: t0}
	orch := newTestOrchestrator(t, WithDispatcher(notify.DispatcherFunc(func(_ context.Context, ev model.TransitionEvent) error {
		f.events = append(f.events, ev)
		return nil
	})))
	opts = append([]ServiceOption{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(orch, f.store, opts...)
	return f
}

func actorCtx(actor string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{ActorID: actor})
}

func TestService_startAndTransition(t *testing.T) {
	f := newServiceFixture(t)
	ctx := actorCtx("officer-1")

	st, err := f.svc.Start(ctx, StartRequest{Machine: "candidate", EntityID: "cand-1"})
	require.NoError(t, err)
	assert.Equal(t, "listed", st.CurrentStateID)

	_, err = f.svc.Start(ctx, StartRequest{Machine: "candidate", EntityID: "cand-1"})
	assert.Equal(t, model.ErrConflict, model.AsEnvelope(err).Code)

	f.now = t0.Add(time.Hour)
	res, err := f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "screened"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.State.Version)
	assert.Equal(t, "officer-1", res.State.History[0].ChangedBy)
	require.Len(t, f.events, 1)
	assert.Equal(t, "screened", f.events[0].To)

	stored, err := f.svc.Get(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, res.State, stored)

	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "departed"})
	var invalid *model.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, f.events, 1)

	stored, _ = f.svc.Get(ctx, "cand-1")
	assert.Equal(t, "screened", stored.CurrentStateID)
}

func TestService_requestTimeWins(t *testing.T) {
	f := newServiceFixture(t)
	pinned := t0.Add(3 * time.Hour)
	ctx := model.WithRequestTime(actorCtx("officer-1"), pinned)

	_, err := f.svc.Start(ctx, StartRequest{Machine: "candidate", EntityID: "cand-1"})
	require.NoError(t, err)
	st, _ := f.svc.Get(ctx, "cand-1")
	assert.Equal(t, pinned, st.CreatedAt)
}

func TestService_requiresActor(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Start(context.Background(), StartRequest{Machine: "candidate", EntityID: "cand-1"})
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), TransitionRequest{EntityID: "cand-1", To: "screened"})
	assert.Equal(t, model.ErrBadRequest, model.AsEnvelope(err).Code)

	_, err = f.svc.Transition(actorCtx("a"), TransitionRequest{EntityID: "missing", To: "screened"})
	assert.Equal(t, model.ErrEntityNotFound, model.AsEnvelope(err).Code)
}

func TestService_idempotentReplay(t *testing.T) {
	f := newServiceFixture(t, WithIdempotencyStore(NewMemoryIdempotencyStore(), time.Hour))
	ctx := actorCtx("officer-1")
	_, err := f.svc.Start(ctx, StartRequest{Machine: "candidate", EntityID: "cand-1"})
	require.NoError(t, err)

	req := TransitionRequest{EntityID: "cand-1", To: "screened", IdempotencyKey: "k-1"}
	first, err := f.svc.Transition(ctx, req)
	require.NoError(t, err)

	second, err := f.svc.Transition(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Len(t, f.events, 1)

	st, _ := f.svc.Get(ctx, "cand-1")
	assert.Equal(t, 2, st.Version)
	assert.Len(t, st.History, 1)

	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "rejected", IdempotencyKey: "k-1"})
	assert.Equal(t, model.ErrConflict, model.AsEnvelope(err).Code)
}

func TestService_linkedVisaGatesDeparture(t *testing.T) {
	f := newServiceFixture(t)
	ctx := actorCtx("officer-1")

	visa := at("visa-1", "visa", "biometrics", "submitted")
	require.NoError(t, f.store.Create(ctx, visa))
	cand := at("cand-1", "candidate", "visa_processing", "ready_to_depart")
	cand.Links = map[string]string{"visa": "visa-1"}
	require.NoError(t, f.store.Create(ctx, cand))

	f.now = t0.Add(time.Hour)
	_, err := f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "departed"})
	var prereq *model.PrerequisiteNotMetError
	require.ErrorAs(t, err, &prereq)
	assert.Equal(t, "submitted", prereq.LinkedStage)

	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "visa-1", To: "issued"})
	require.NoError(t, err)

	res, err := f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "departed"})
	require.NoError(t, err)
	assert.True(t, res.IsTerminal)
}

func TestService_missingLinkIsUnmetPrerequisite(t *testing.T) {
	f := newServiceFixture(t)
	ctx := actorCtx("officer-1")

	cand := at("cand-1", "candidate", "visa_processing", "ready_to_depart")
	cand.Links = map[string]string{"visa": "visa-404"}
	require.NoError(t, f.store.Create(ctx, cand))

	_, err := f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "departed"})
	assert.Equal(t, model.ErrPrerequisiteNotMet, model.AsEnvelope(err).Code)
}

type conflictingStore struct {
	*MemoryStore
}

func (conflictingStore) Update(context.Context, model.EntityWorkflowState) error {
	return model.NewConflictError("entity changed underneath")
}

func TestService_conflictSkipsNotification(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.store = conflictingStore{f.store}
	ctx := actorCtx("officer-1")
	_, err := f.svc.Start(ctx, StartRequest{Machine: "candidate", EntityID: "cand-1"})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "cand-1", To: "screened"})
	assert.Equal(t, model.ErrConflict, model.AsEnvelope(err).Code)
	assert.Empty(t, f.events)
}

func TestService_assessAndListOpen(t *testing.T) {
	f := newServiceFixture(t)
	ctx := actorCtx("officer-1")

	_, err := f.svc.Start(ctx, StartRequest{Machine: "complaint", EntityID: "cmp-1", PolicyKey: "complaint.high"})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartRequest{Machine: "complaint", EntityID: "cmp-2", PolicyKey: "complaint.low"})
	require.NoError(t, err)

	f.now = t0.Add(2 * time.Hour)
	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "cmp-2", To: "in_progress"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, TransitionRequest{EntityID: "cmp-2", To: "resolved"})
	require.NoError(t, err)

	f.now = t0.Add(19 * time.Hour)
	a, ok, err := f.svc.Assess(ctx, "cmp-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RiskAtRisk, a.RiskBand)

	_, ok, err = f.svc.Assess(ctx, "cmp-2")
	require.NoError(t, err)
	assert.False(t, ok)

	open, err := f.svc.ListOpen(ctx, "complaint")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "cmp-1", open[0].EntityID)

	_, err = f.svc.ListOpen(ctx, "passport")
	assert.Equal(t, model.ErrUnknownMachine, model.AsEnvelope(err).Code)
}
