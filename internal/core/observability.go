package core

import (
	"context"
	"time"

	"sleecore/pkg/domain"
)

// Logger is the structured logger the container writes to. Arguments are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// UsageRecorder receives profile usage parameter updates as they happen.
type UsageRecorder interface {
	AddUsage(table, set, param string, delta int64)
	SampleUsage(table, set, param string, value int64)
}

// Tracer starts spans around container operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome of an audited management operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records a management operation against a service.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopUsage struct{}

func (noopUsage) AddUsage(string, string, string, int64)    {}
func (noopUsage) SampleUsage(string, string, string, int64) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// observer bundles the observability sinks shared by kernel components.
type observer struct {
	logger  Logger
	metrics MetricsRecorder
	usage   UsageRecorder
	tracer  Tracer
	audit   AuditRecorder
	clock   Clock
	// onActionError receives failed after-commit side effects.
	onActionError func(ctx context.Context, err error)
}

func newObserver() *observer {
	return &observer{
		logger:  noopLogger{},
		metrics: noopMetrics{},
		usage:   noopUsage{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
		clock:   systemClock{},
	}
}

// run wraps fn with a span, a metrics observation and error logging.
func (o *observer) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := o.clock.Now()
	ctx, span := o.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	o.metrics.Observe(ctx, op, err == nil, o.clock.Now().Sub(start))
	if err != nil {
		o.logger.Debug("operation failed", "op", op, "error", err)
	}
	return err
}

// reportAction logs, counts and forwards a failed after-commit side effect.
func (o *observer) reportAction(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	o.logger.Error("after-commit action failed", "op", op, "error", err)
	o.metrics.Observe(ctx, "after_commit."+op, false, 0)
	if o.onActionError != nil {
		o.onActionError(ctx, err)
	}
}

func (o *observer) recordAudit(ctx context.Context, op string, action domain.Action, id string, dur time.Duration, err error) {
	entry := AuditEntry{
		Operation: op,
		Entity:    domain.EntityService,
		Action:    action,
		EntityID:  id,
		Status:    AuditStatusSuccess,
		Duration:  dur,
		Timestamp: o.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	o.audit.Record(ctx, entry)
}
