// Package logging builds the process logger and carries per-job fields on the context.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

type fields struct {
	traceID string
	jobID   string
	jobType string
}

// New builds a JSON logger; env "dev" switches to the console encoder.
func New(level, env string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      env == "dev",
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if env == "dev" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// WithJob stores job identifiers on the context for later log lines.
func WithJob(ctx context.Context, traceID, jobID, jobType string) context.Context {
	return context.WithValue(ctx, ctxKey{}, fields{traceID: traceID, jobID: jobID, jobType: jobType})
}

// TraceID returns the trace id stored by WithJob, if any.
func TraceID(ctx context.Context) string {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f.traceID
}

// For returns l enriched with the job fields found on ctx.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	f, ok := ctx.Value(ctxKey{}).(fields)
	if !ok {
		return l
	}
	out := make([]zap.Field, 0, 3)
	if f.traceID != "" {
		out = append(out, zap.String("trace_id", f.traceID))
	}
	if f.jobID != "" {
		out = append(out, zap.String("job_id", f.jobID))
	}
	if f.jobType != "" {
		out = append(out, zap.String("job_type", f.jobType))
	}
	return l.With(out...)
}
