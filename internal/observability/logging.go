package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/escalate/internal/config"
	"github.com/pitabwire/escalate/model"
)

type loggerKey struct{}

// NewLogger builds the JSON production logger. Unknown levels fall back to
// info.
//
// Level conventions:
//   - error: infrastructure failures, failed scan candidates, recovered panics
//   - warn:  degraded operation such as an open webhook circuit, final-level
//     escalations without auto-approval, undelivered notifications
//   - info:  requests, scan runs, escalation transitions, seed loads
//   - debug: per-condition evaluation detail
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig = enc
	zcfg.Sampling = nil
	return zcfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// caller and correlation IDs of the request. Outside a request it only adds
// the active trace ID, if any.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			return logger.With(zap.String("trace_id", traceID))
		}
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// EscalationFields identifies an escalation in log entries.
func EscalationFields(esc model.EscalationInstance) []zap.Field {
	return []zap.Field{
		zap.String("escalation_id", esc.ID),
		zap.String("rule_id", esc.RuleID),
		zap.String("step_instance_id", esc.StepInstanceID),
		zap.String("workflow_id", esc.WorkflowID),
		zap.Int("level", esc.CurrentLevel),
		zap.String("escalated_to", esc.EscalatedTo),
	}
}
