package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/model"
)

func testEvent() model.TransitionEvent {
	return model.TransitionEvent{
		ID:         "evt-1",
		EntityID:   "cand-7",
		Machine:    "candidate",
		From:       "screened",
		To:         "registered",
		Actor:      "officer-1",
		ChangedAt:  time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Progress:   43,
		Recipients: []string{"case_officer"},
	}
}

type recorder struct {
	events []model.TransitionEvent
	err    error
}

func (r *recorder) Notify(_ context.Context, ev model.TransitionEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestLogDispatcher_Notify(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{MessageKey: "msg"}),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)
	d := NewLogDispatcher(zap.New(core))

	require.NoError(t, d.Notify(context.Background(), testEvent()))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "workflow notification", entry["msg"])
	assert.Equal(t, "cand-7", entry["entity_id"])
	assert.Equal(t, "registered", entry["to"])
	assert.NotContains(t, entry, "risk_band")
}

func TestLogDispatcher_nilLogger(t *testing.T) {
	assert.NoError(t, NewLogDispatcher(nil).Notify(context.Background(), testEvent()))
}

func TestMulti_Notify(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("smtp down")}
	also := &recorder{}

	err := Multi{ok, failing, also}.Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, also.events, 1, "later dispatchers still run after a failure")

	assert.NoError(t, Multi{}.Notify(context.Background(), testEvent()))
}

func TestDispatcherFunc(t *testing.T) {
	var got string
	d := DispatcherFunc(func(_ context.Context, ev model.TransitionEvent) error {
		got = ev.ID
		return nil
	})
	require.NoError(t, d.Notify(context.Background(), testEvent()))
	assert.Equal(t, "evt-1", got)
}

type alertDefs struct {
	staticRecipients
}

func (alertDefs) Progress(machine, stateID string) (int, error) {
	if stateID == "unknown" {
		return 0, &model.UnknownStateError{Machine: machine, State: stateID}
	}
	return 33, nil
}

func TestAlertNotifier_Alert(t *testing.T) {
	rec := &recorder{}
	n := NewAlertNotifier(rec, alertDefs{staticRecipients{"complaint": complaintRecipients}})
	raised := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	err := n.Alert(context.Background(), compliance.Alert{
		State: model.EntityWorkflowState{
			EntityID:       "cmp-1",
			MachineName:    "complaint",
			CurrentStateID: "in_progress",
			PolicyKey:      "complaint.high",
		},
		Assessment: model.ComplianceAssessment{
			PolicyKey:  "complaint.high",
			RiskBand:   model.RiskBreached,
			IsBreached: true,
		},
		RaisedAt: raised,
	})
	require.NoError(t, err)
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, ev.From, ev.To)
	assert.Equal(t, "in_progress", ev.To)
	assert.Equal(t, AlertActor, ev.Actor)
	assert.Equal(t, raised, ev.ChangedAt)
	assert.Equal(t, 33, ev.Progress)
	assert.Equal(t, model.RiskBreached, ev.RiskBand)
	assert.Equal(t, []string{"assigned_user", "supervisor", "branch_manager", "compliance_officer", "director"}, ev.Recipients)
}

func TestAlertNotifier_unknownStage(t *testing.T) {
	rec := &recorder{}
	n := NewAlertNotifier(rec, alertDefs{staticRecipients{}})

	err := n.Alert(context.Background(), compliance.Alert{
		State: model.EntityWorkflowState{EntityID: "x", MachineName: "complaint", CurrentStateID: "unknown"},
	})
	require.Error(t, err)
	assert.Empty(t, rec.events)
}
