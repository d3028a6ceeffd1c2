package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/pravasi/internal/config"
	"github.com/pitabwire/pravasi/model"
)

type loggerKey struct{}

// NewLogger builds the service logger. Every entry carries the service name
// and build version.
//
// Levels:
//   - error: store or stream outages, panics, 5xx responses
//   - warn:  rejected transitions, failed notifications, failed alerts, open breakers
//   - info:  registrations, committed transitions, sweep summaries, reloads
//   - debug: idempotent replays, per-entity assessments
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.MessageKey = "msg"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.InitialFields = map[string]any{
		"service": ServiceName,
		"version": Version,
	}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback if there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger annotated with who is acting and
// under which correlation ID.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return logger.With(requestFields(rctx)...)
	}
	return logger
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := []zap.Field{
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if len(rctx.Roles) > 0 {
		fields = append(fields, zap.Strings("roles", rctx.Roles))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// EntityFields identifies an entity and where it currently sits.
func EntityFields(state model.EntityWorkflowState) []zap.Field {
	return []zap.Field{
		zap.String("entity_id", state.EntityID),
		zap.String("machine", state.MachineName),
		zap.String("stage", state.CurrentStateID),
	}
}

// EventFields describes a transition event or compliance alert.
func EventFields(ev model.TransitionEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("entity_id", ev.EntityID),
		zap.String("machine", ev.Machine),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.Int("progress", ev.Progress),
	}
	if ev.RiskBand != "" {
		fields = append(fields,
			zap.String("policy_key", ev.PolicyKey),
			zap.String("risk_band", string(ev.RiskBand)),
		)
	}
	return fields
}

// AssessmentFields summarises an SLA assessment.
func AssessmentFields(a model.ComplianceAssessment) []zap.Field {
	return []zap.Field{
		zap.String("policy_key", a.PolicyKey),
		zap.String("risk_band", string(a.RiskBand)),
		zap.Int("elapsed_units", a.ElapsedUnits),
		zap.Time("due_at", a.DueAt),
	}
}
