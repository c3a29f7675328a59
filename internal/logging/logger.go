// Package logging provides structured logging with component and trace
// tagging, adapted from the reference stack's logrus wrapper.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Logger wraps logrus.Logger with a fixed component tag.
type Logger struct {
	*logrus.Logger
	component string
}

// New constructs a Logger for component, reading LOG_LEVEL/LOG_FORMAT from
// the environment (defaults: info / json).
func New(component string) *Logger {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if level == "" {
		level = "info"
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))
	if format == "" {
		format = "json"
	}

	base := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	if format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, component: component}
}

// WithContext attaches the component tag and, when present, the trace id
// carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields attaches the component tag plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// LogAudit emits a structured audit line, matching the reference stack's
// audit-log convention (audit=true so log pipelines can filter on it).
func (l *Logger) LogAudit(ctx context.Context, actorID, resource, action, decision, reasonCode string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"audit":       true,
		"actor_id":    actorID,
		"resource":    resource,
		"action":      action,
		"decision":    decision,
		"reason_code": reasonCode,
	}).Info("acl decision")
}

// LogCryptoOperation mirrors the reference stack's crypto-operation log
// helper: never logs key material, only the outcome.
func (l *Logger) LogCryptoOperation(ctx context.Context, operation string, err error) {
	entry := l.WithContext(ctx).WithField("operation", operation)
	if err != nil {
		entry.WithError(err).Error("cryptographic operation failed")
		return
	}
	entry.Debug("cryptographic operation completed")
}

// NewTraceID generates a new trace id for a call chain.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}
