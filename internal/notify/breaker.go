package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

// ErrCircuitOpen is returned while a dispatcher's breaker rejects calls.
var ErrCircuitOpen = errors.New("notification circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the timeout passes.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures and probes again
// after a timeout. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	onChange         func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall back
// to 5 failures, 2 successes and 30s.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expireLocked()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.setLocked(BreakerClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.openedAt = time.Now()
			cb.setLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.successes = 0
		cb.openedAt = time.Now()
		cb.setLocked(BreakerOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()
	return cb.state
}

func (cb *CircuitBreaker) expireLocked() {
	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.timeout {
		cb.successes = 0
		cb.setLocked(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) setLocked(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}

// BreakerDispatcher guards a dispatcher with a circuit breaker so a dead
// downstream does not slow every transition.
type BreakerDispatcher struct {
	name    string
	next    Dispatcher
	breaker *CircuitBreaker
	metrics *observability.Metrics
}

// NewBreakerDispatcher wraps next. name labels metrics and errors.
func NewBreakerDispatcher(name string, next Dispatcher, breaker *CircuitBreaker, metrics *observability.Metrics) *BreakerDispatcher {
	d := &BreakerDispatcher{name: name, next: next, breaker: breaker, metrics: metrics}
	breaker.onChange = func(s BreakerState) {
		metrics.SetDispatcherCircuitBreakerState(name, float64(s))
	}
	metrics.SetDispatcherCircuitBreakerState(name, float64(BreakerClosed))
	return d
}

// Notify implements Dispatcher.
func (d *BreakerDispatcher) Notify(ctx context.Context, ev model.TransitionEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, "notify.dispatch",
		observability.AttrDispatcher.String(d.name),
		observability.AttrEntityID.String(ev.EntityID),
		observability.AttrToStage.String(ev.To),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := d.breaker.Allow(); err != nil {
		d.metrics.RecordNotification(d.name, "rejected")
		return fmt.Errorf("%s: %w", d.name, err)
	}
	if err := d.next.Notify(ctx, ev); err != nil {
		d.breaker.RecordFailure()
		d.metrics.RecordNotification(d.name, "error")
		return fmt.Errorf("%s: %w", d.name, err)
	}
	d.breaker.RecordSuccess()
	d.metrics.RecordNotification(d.name, "ok")
	return nil
}

// State returns the breaker state.
func (d *BreakerDispatcher) State() BreakerState {
	return d.breaker.State()
}
