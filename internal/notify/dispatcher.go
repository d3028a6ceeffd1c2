package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

// Dispatcher delivers a committed transition to whoever must hear about it.
// Delivery is best effort from the workflow's point of view; a returned error
// never reverses the transition.
type Dispatcher interface {
	Notify(ctx context.Context, event model.TransitionEvent) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, event model.TransitionEvent) error

// Notify calls f.
func (f DispatcherFunc) Notify(ctx context.Context, event model.TransitionEvent) error {
	return f(ctx, event)
}

// LogDispatcher writes each event to a zap logger.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Notify logs the event.
func (d *LogDispatcher) Notify(_ context.Context, ev model.TransitionEvent) error {
	fields := append(observability.EventFields(ev),
		zap.String("actor_id", ev.Actor),
		zap.Strings("recipients", ev.Recipients),
	)
	d.logger.Info("workflow notification", fields...)
	return nil
}

// Multi fans an event out to every dispatcher. All dispatchers are tried;
// their errors are joined.
type Multi []Dispatcher

// Notify implements Dispatcher.
func (m Multi) Notify(ctx context.Context, ev model.TransitionEvent) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
