package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/notify"
	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func shippedDefinitions(t *testing.T) *definition.Registry {
	t.Helper()
	files, err := definition.NewLoader().LoadAll([]string{"../../definitions"})
	require.NoError(t, err)
	return definition.NewRegistry(files)
}

func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	return NewOrchestrator(shippedDefinitions(t), opts...)
}

// at returns an entity sitting in stage, entered at t0 with one history entry.
func at(id, machine, from, stage string) model.EntityWorkflowState {
	return model.EntityWorkflowState{
		EntityID:       id,
		MachineName:    machine,
		CurrentStateID: stage,
		EnteredAt:      t0,
		CreatedAt:      t0.Add(-time.Hour),
		History: []model.HistoryEntry{
			{FromState: from, ToState: stage, ChangedAt: t0, ChangedBy: "officer-1"},
		},
		Version: 2,
	}
}

func TestStart(t *testing.T) {
	o := newTestOrchestrator(t)

	st, err := o.Start(StartRequest{
		Machine:   "complaint",
		EntityID:  "cmp-1",
		PolicyKey: "complaint.high",
		Links:     map[string]string{"candidate": "cand-1"},
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, "open", st.CurrentStateID)
	assert.Equal(t, t0, st.EnteredAt)
	assert.Equal(t, t0, st.CreatedAt)
	assert.Equal(t, 1, st.Version)
	assert.NotNil(t, st.History)
	assert.Empty(t, st.History)
	assert.Equal(t, "cand-1", st.Links["candidate"])
}

func TestStart_validation(t *testing.T) {
	o := newTestOrchestrator(t)

	tests := []struct {
		name  string
		req   StartRequest
		field string
		code  string
	}{
		{"missing id", StartRequest{Machine: "candidate"}, "entity_id", "REQUIRED"},
		{"unknown policy", StartRequest{Machine: "complaint", EntityID: "c", PolicyKey: "complaint.urgent"}, "policy_key", model.ErrUnknownPolicy},
		{"foreign policy", StartRequest{Machine: "candidate", EntityID: "c", PolicyKey: "complaint.low"}, "policy_key", "MACHINE_MISMATCH"},
		{"unknown link", StartRequest{Machine: "candidate", EntityID: "c", Links: map[string]string{"passport": "p-1"}}, "links.passport", model.ErrUnknownMachine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Start(tt.req, t0)
			env := model.AsEnvelope(err)
			require.Equal(t, model.ErrValidationError, env.Code)
			require.Len(t, env.Details, 1)
			assert.Equal(t, tt.field, env.Details[0].Field)
			assert.Equal(t, tt.code, env.Details[0].Code)
		})
	}

	_, err := o.Start(StartRequest{Machine: "passport", EntityID: "p"}, t0)
	var unknown *model.UnknownMachineError
	assert.ErrorAs(t, err, &unknown)
}

func TestPlan_candidateForward(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cand-1", "candidate", "listed", "screened")

	res, err := o.Plan(st, "registered", "officer-2", t0.Add(2*time.Hour), nil)
	require.NoError(t, err)

	assert.Equal(t, "registered", res.State.CurrentStateID)
	assert.Len(t, res.State.History, len(st.History)+1)
	last := res.State.History[len(res.State.History)-1]
	assert.Equal(t, model.HistoryEntry{
		FromState: "screened", ToState: "registered", ChangedAt: t0.Add(2 * time.Hour), ChangedBy: "officer-2",
	}, last)
	assert.Equal(t, t0.Add(2*time.Hour), res.State.EnteredAt)
	assert.False(t, res.IsTerminal)
	assert.True(t, res.AllowsEdit)
	assert.Nil(t, res.Assessment)
	assert.Equal(t, []string{"case_officer"}, res.Recipients)

	assert.NotEmpty(t, res.Event.ID)
	assert.Equal(t, "screened", res.Event.From)
	assert.Equal(t, "registered", res.Event.To)
	assert.Equal(t, "officer-2", res.Event.Actor)
	assert.Equal(t, res.Progress, res.Event.Progress)

	// The input is never modified.
	assert.Equal(t, "screened", st.CurrentStateID)
	assert.Len(t, st.History, 1)
}

func TestPlan_sameInputsSameEvent(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cand-1", "candidate", "listed", "screened")

	a, err := o.Plan(st, "registered", "officer-2", t0.Add(time.Hour), nil)
	require.NoError(t, err)
	b, err := o.Plan(st, "registered", "officer-2", t0.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	later, err := o.Plan(st, "registered", "officer-2", t0.Add(2*time.Hour), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Event.ID, later.Event.ID)

	st.Version++
	bumped, err := o.Plan(st, "registered", "officer-2", t0.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Event.ID, bumped.Event.ID)
}

func TestPlan_candidateSkipRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cand-1", "candidate", "listed", "screened")

	_, err := o.Plan(st, "departed", "officer-2", t0.Add(time.Hour), nil)
	var invalid *model.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "screened", invalid.From)
	assert.Equal(t, "departed", invalid.To)
}

func TestPlan_unknownStages(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Plan(at("cand-1", "candidate", "listed", "screened"), "hired", "a", t0, nil)
	assert.Equal(t, model.ErrUnknownState, model.AsEnvelope(err).Code)

	_, err = o.Plan(at("x-1", "passport", "a", "b"), "c", "a", t0, nil)
	assert.Equal(t, model.ErrUnknownMachine, model.AsEnvelope(err).Code)
}

func TestPlan_visaProgress(t *testing.T) {
	o := newTestOrchestrator(t)

	res, err := o.Plan(at("visa-1", "visa", "demand_letter", "labour_approval"), "medical", "a", t0, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Progress)
}

func TestPlan_departureNeedsIssuedVisa(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cand-1", "candidate", "visa_processing", "ready_to_depart")

	tests := []struct {
		name   string
		linked map[string]string
		ok     bool
	}{
		{"no visa", nil, false},
		{"visa submitted", map[string]string{"visa": "submitted"}, false},
		{"visa issued", map[string]string{"visa": "issued"}, true},
		{"ticket booked", map[string]string{"visa": "ticket_booked"}, true},
		{"visa completed", map[string]string{"visa": "completed"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.Plan(st, "departed", "a", t0, tt.linked)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, res.IsTerminal)
				assert.False(t, res.AllowsEdit)
				assert.Equal(t, 100, res.Progress)
				assert.Equal(t, []string{"case_officer", "compliance_officer"}, res.Recipients)
				return
			}
			var prereq *model.PrerequisiteNotMetError
			require.ErrorAs(t, err, &prereq)
			assert.Equal(t, "visa", prereq.Requires.Machine)
			assert.Equal(t, "issued", prereq.Requires.MinStage)
			assert.Equal(t, tt.linked["visa"], prereq.LinkedStage)
		})
	}
}

func TestPlan_complaintReopen(t *testing.T) {
	o := newTestOrchestrator(t)
	closed := at("cmp-1", "complaint", "resolved", "closed")

	res, err := o.Plan(closed, "open", "a", t0.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, "open", res.State.CurrentStateID)
	assert.False(t, res.IsTerminal)

	_, err = o.Plan(closed, "resolved", "a", t0.Add(time.Hour), nil)
	var invalid *model.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestPlan_terminalStagesAreClosed(t *testing.T) {
	defs := shippedDefinitions(t)
	o := NewOrchestrator(defs)

	for _, name := range defs.MachineNames() {
		m, err := defs.Machine(name)
		require.NoError(t, err)
		for _, stage := range m.Stages() {
			if !stage.Terminal || m.IsReopenException(stage.ID) {
				continue
			}
			for _, to := range m.Stages() {
				_, err := o.Plan(at("e-1", name, m.Initial().ID, stage.ID), to.ID, "a", t0, nil)
				assert.Errorf(t, err, "%s: %s -> %s must be rejected", name, stage.ID, to.ID)
			}
		}
	}
}

func TestPlan_timeNeverRunsBackwards(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Plan(at("cand-1", "candidate", "listed", "screened"), "registered", "a", t0.Add(-time.Minute), nil)
	var negative *model.NegativeElapsedTimeError
	require.ErrorAs(t, err, &negative)
	assert.Equal(t, t0, negative.ReferenceTime)
}

func TestPlan_complaintAssessmentAndRecipients(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cmp-1", "complaint", "open", "in_progress")
	st.PolicyKey = "complaint.high"
	st.CreatedAt = t0

	res, err := o.Plan(st, "escalated", "a", t0.Add(19*time.Hour), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, model.RiskAtRisk, res.Assessment.RiskBand)
	assert.Equal(t, model.RiskAtRisk, res.Event.RiskBand)
	assert.Equal(t, []string{"assigned_user", "supervisor", "branch_manager"}, res.Recipients)

	res, err = o.Plan(st, "escalated", "a", t0.Add(25*time.Hour), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Assessment)
	assert.True(t, res.Assessment.IsBreached)
	assert.Contains(t, res.Recipients, "compliance_officer")
}

func TestPlan_departureClockStartsOnDeparture(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("dep-1", "departure", "scheduled", "departed")
	st.PolicyKey = "departure.post_arrival"

	res, err := o.Plan(st, "arrived", "a", t0.Add(91*24*time.Hour), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Assessment)
	assert.Equal(t, model.RiskBreached, res.Assessment.RiskBand)
	assert.Equal(t, []string{"case_officer", "compliance_officer", "branch_manager"}, res.Recipients)
}

func TestEmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	var got []model.TransitionEvent
	o := newTestOrchestrator(t,
		WithMetrics(metrics),
		WithDispatcher(notify.DispatcherFunc(func(_ context.Context, ev model.TransitionEvent) error {
			got = append(got, ev)
			return nil
		})),
	)

	res, err := o.RequestTransition(context.Background(), at("cand-1", "candidate", "listed", "screened"), "registered", "a", t0, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Event, got[0])
	assert.Nil(t, res.DispatchError)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransitionsTotal.WithLabelValues("candidate", "screened", "registered")))

	_, err = o.RequestTransition(context.Background(), at("cand-1", "candidate", "listed", "screened"), "departed", "a", t0, nil)
	require.Error(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransitionRejectionsTotal.WithLabelValues("candidate", model.ErrInvalidTransition)))
}

func TestEmit_dispatcherFailureIsReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	boom := errors.New("smtp down")

	o := newTestOrchestrator(t,
		WithMetrics(metrics),
		WithDispatcher(notify.DispatcherFunc(func(context.Context, model.TransitionEvent) error { return boom })),
	)

	res, err := o.RequestTransition(context.Background(), at("cand-1", "candidate", "listed", "screened"), "registered", "a", t0, nil)
	require.NoError(t, err)
	require.NotNil(t, res.DispatchError)
	assert.ErrorIs(t, res.DispatchError, boom)
	assert.Equal(t, "cand-1", res.DispatchError.EntityID)
	assert.Equal(t, "registered", res.State.CurrentStateID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DispatchFailuresTotal.WithLabelValues("candidate")))
}

func TestAssess_isIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	st := at("cmp-1", "complaint", "open", "in_progress")
	st.PolicyKey = "complaint.high"
	st.CreatedAt = t0

	first, ok, err := o.Assess(st, t0.Add(19*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	second, _, err := o.Assess(st, t0.Add(19*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, ok, err = o.Assess(at("cand-1", "candidate", "listed", "screened"), t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlan_policyDroppedByReload(t *testing.T) {
	files, err := definition.NewLoader().LoadAll([]string{"../../definitions"})
	require.NoError(t, err)
	defs := definition.NewRegistry(files)

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	o := NewOrchestrator(defs, WithMetrics(metrics))

	st := at("cmp-1", "complaint", "open", "in_progress")
	st.PolicyKey = "complaint.high"
	st.CreatedAt = t0

	for i := range files {
		kept := files[i].Policies[:0:0]
		for _, p := range files[i].Policies {
			if p.Key != "complaint.high" {
				kept = append(kept, p)
			}
		}
		files[i].Policies = kept
	}
	defs.Replace(files)

	for _, to := range []string{"escalated", "resolved"} {
		res, err := o.Plan(st, to, "a", t0.Add(30*time.Hour), nil)
		require.NoErrorf(t, err, "in_progress -> %s", to)
		assert.Equal(t, to, res.State.CurrentStateID)
		assert.Nil(t, res.Assessment)
		assert.Empty(t, res.Event.RiskBand)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.UnknownPolicyTotal.WithLabelValues("complaint", "complaint.high")))
}
