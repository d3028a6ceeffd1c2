package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/model"
)

const defaultSweepConcurrency = 8

// OpenLister lists the non-terminal entities of a machine.
type OpenLister interface {
	ListOpen(ctx context.Context, machine string) ([]model.EntityWorkflowState, error)
}

// Alert is raised when an entity moves into a worse risk band.
type Alert struct {
	State      model.EntityWorkflowState
	Assessment model.ComplianceAssessment
	RaisedAt   time.Time
}

// Alerter delivers compliance alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// SweepReport summarises one sweep.
type SweepReport struct {
	At       time.Time                         `json:"at"`
	Scanned  int                               `json:"scanned"`
	Assessed int                               `json:"assessed"`
	Counts   map[string]map[model.RiskBand]int `json:"counts"`
	Breached []string                          `json:"breached"`
	Alerts   int                               `json:"alerts"`
	Errors   int                               `json:"errors"`
}

// SweeperOption configures optional Sweeper dependencies.
type SweeperOption func(*Sweeper)

// WithAlerter sets where band escalations are sent.
func WithAlerter(a Alerter) SweeperOption {
	return func(s *Sweeper) { s.alerter = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithConcurrency bounds the number of entities assessed at once.
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Sweeper periodically re-assesses every open entity that carries a policy.
// It remembers the last band alerted per entity so an escalation is sent once.
type Sweeper struct {
	evaluator   *Evaluator
	store       OpenLister
	alerter     Alerter
	metrics     *observability.Metrics
	logger      *zap.Logger
	concurrency int

	mu      sync.Mutex
	alerted map[string]model.RiskBand
}

// NewSweeper creates a Sweeper.
func NewSweeper(evaluator *Evaluator, store OpenLister, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		evaluator:   evaluator,
		store:       store,
		logger:      zap.NewNop(),
		concurrency: defaultSweepConcurrency,
		alerted:     make(map[string]model.RiskBand),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sweepResult struct {
	state      model.EntityWorkflowState
	assessment model.ComplianceAssessment
}

// Sweep assesses all open entities at now. A failure to list a machine aborts
// the sweep; a failure to assess one entity is counted and skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (report SweepReport, err error) {
	ctx, span := observability.StartSpan(ctx, "compliance.sweep")
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()
	report = SweepReport{
		At:       now,
		Counts:   make(map[string]map[model.RiskBand]int),
		Breached: []string{},
	}

	var entities []model.EntityWorkflowState
	for _, machine := range s.evaluator.Machines() {
		open, err := s.store.ListOpen(ctx, machine)
		if err != nil {
			s.metrics.RecordSweepError()
			return report, fmt.Errorf("list open %s entities: %w", machine, err)
		}
		entities = append(entities, open...)
	}
	report.Scanned = len(entities)

	var (
		mu      sync.Mutex
		results []sweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, state := range entities {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, ok, err := s.evaluator.AssessEntity(state, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				s.metrics.RecordSweepError()
				s.logger.Warn("compliance assessment failed",
					append(observability.EntityFields(state), zap.Error(err))...,
				)
				return nil
			}
			if ok {
				results = append(results, sweepResult{state: state, assessment: a})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].state.EntityID < results[j].state.EntityID
	})

	gauge := make(map[string]map[string]int)
	open := make(map[string]bool, len(results))
	for _, r := range results {
		key, band := r.assessment.PolicyKey, r.assessment.RiskBand
		if report.Counts[key] == nil {
			report.Counts[key] = make(map[model.RiskBand]int)
			gauge[key] = make(map[string]int)
		}
		report.Counts[key][band]++
		gauge[key][string(band)]++
		report.Assessed++
		open[r.state.EntityID] = true
		s.metrics.RecordAssessment(key, string(band))
		if r.assessment.IsBreached {
			report.Breached = append(report.Breached, r.state.EntityID)
		}

		if s.escalated(r.state.EntityID, band) {
			if s.raise(ctx, r, now) {
				report.Alerts++
			}
		}
	}
	s.forgetClosed(open)

	s.metrics.RecordSweep(time.Since(start), gauge)
	span.SetAttributes(
		attribute.Int("pravasi.sweep.assessed", report.Assessed),
		attribute.Int("pravasi.sweep.breached", len(report.Breached)),
	)
	s.logger.Info("compliance sweep complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("assessed", report.Assessed),
		zap.Int("breached", len(report.Breached)),
		zap.Int("alerts", report.Alerts),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// escalated reports whether band is worse than the last band alerted for the
// entity. OnTrack is never alerted.
func (s *Sweeper) escalated(entityID string, band model.RiskBand) bool {
	if band == model.RiskOnTrack {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return band.Rank() > s.alerted[entityID].Rank()
}

func (s *Sweeper) raise(ctx context.Context, r sweepResult, now time.Time) bool {
	if s.alerter == nil {
		return false
	}
	band := r.assessment.RiskBand
	ctx, span := observability.StartSpan(ctx, "compliance.alert",
		append(observability.EntityAttrs(r.state), observability.AssessmentAttrs(r.assessment)...)...)
	err := s.alerter.Alert(ctx, Alert{State: r.state, Assessment: r.assessment, RaisedAt: now})
	observability.EndSpanWithError(span, err)
	if err != nil {
		// Not recorded, so the next sweep retries.
		fields := append(observability.EntityFields(r.state), observability.AssessmentFields(r.assessment)...)
		s.logger.Warn("compliance alert failed", append(fields, zap.Error(err))...)
		return false
	}
	s.mu.Lock()
	s.alerted[r.state.EntityID] = band
	s.mu.Unlock()
	s.metrics.RecordComplianceAlert(r.assessment.PolicyKey, string(band))
	return true
}

// forgetClosed drops alert memory for entities that no longer run a clock.
func (s *Sweeper) forgetClosed(open map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.alerted {
		if !open[id] {
			delete(s.alerted, id)
		}
	}
}

// Run sweeps every interval until ctx is cancelled. now supplies the sweep
// time so callers decide the clock.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, now()); err != nil {
				s.logger.Error("compliance sweep failed", zap.Error(err))
			}
		}
	}
}
