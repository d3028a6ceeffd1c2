package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/model"
)

// AlertActor is recorded as the actor of compliance alert events.
const AlertActor = "system:compliance"

// AlertSource is what AlertNotifier needs from the loaded definitions.
type AlertSource interface {
	RecipientSource
	Progress(machine, stateID string) (int, error)
}

// AlertNotifier turns compliance alerts into events on a Dispatcher. An alert
// event has From equal to To and carries the risk band.
type AlertNotifier struct {
	dispatcher Dispatcher
	defs       AlertSource
}

// NewAlertNotifier creates an AlertNotifier.
func NewAlertNotifier(dispatcher Dispatcher, defs AlertSource) *AlertNotifier {
	return &AlertNotifier{dispatcher: dispatcher, defs: defs}
}

// Alert implements compliance.Alerter.
func (n *AlertNotifier) Alert(ctx context.Context, a compliance.Alert) error {
	progress, err := n.defs.Progress(a.State.MachineName, a.State.CurrentStateID)
	if err != nil {
		return err
	}

	recipients := NewResolver(n.defs).Recipients(
		a.State.MachineName, a.Assessment.PolicyKey, "", a.Assessment.IsBreached)

	return n.dispatcher.Notify(ctx, model.TransitionEvent{
		ID:         uuid.NewString(),
		EntityID:   a.State.EntityID,
		Machine:    a.State.MachineName,
		From:       a.State.CurrentStateID,
		To:         a.State.CurrentStateID,
		Actor:      AlertActor,
		ChangedAt:  a.RaisedAt,
		Progress:   progress,
		PolicyKey:  a.Assessment.PolicyKey,
		RiskBand:   a.Assessment.RiskBand,
		Recipients: recipients,
	})
}
