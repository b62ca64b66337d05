package core

import (
	"context"
	"time"
)

const (
	// DefaultStopGracePeriod bounds how long a STOPPING service may keep
	// undrained entity trees before they are force-removed.
	DefaultStopGracePeriod = 30 * time.Second
	// DefaultRouterShards is the number of event delivery workers.
	DefaultRouterShards    = 4
	defaultDeliveryRetries = 3
	defaultRetryInterval   = 10 * time.Millisecond
)

type containerOptions struct {
	obs             *observer
	stopGracePeriod time.Duration
	routerShards    int
	deliveryRetries uint64
	retryInterval   time.Duration
}

func defaultOptions() containerOptions {
	return containerOptions{
		obs:             newObserver(),
		stopGracePeriod: DefaultStopGracePeriod,
		routerShards:    DefaultRouterShards,
		deliveryRetries: defaultDeliveryRetries,
		retryInterval:   defaultRetryInterval,
	}
}

// Option configures a Container.
type Option func(*containerOptions)

// WithLogger sets the container logger.
func WithLogger(l Logger) Option {
	return func(o *containerOptions) {
		if l != nil {
			o.obs.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics recorder. A recorder that also
// implements UsageRecorder receives profile usage updates.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *containerOptions) {
		if m == nil {
			return
		}
		o.obs.metrics = m
		if u, ok := m.(UsageRecorder); ok {
			o.obs.usage = u
		}
	}
}

// WithUsageRecorder sets the sink for profile usage updates.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(o *containerOptions) {
		if u != nil {
			o.obs.usage = u
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(o *containerOptions) {
		if t != nil {
			o.obs.tracer = t
		}
	}
}

// WithAuditRecorder sets the recorder for management operations.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *containerOptions) {
		if a != nil {
			o.obs.audit = a
		}
	}
}

// WithClock overrides the clock used for audit timestamps and durations.
func WithClock(c Clock) Option {
	return func(o *containerOptions) {
		if c != nil {
			o.obs.clock = c
		}
	}
}

// WithActionErrorHandler receives every failed after-commit side effect.
func WithActionErrorHandler(h func(ctx context.Context, err error)) Option {
	return func(o *containerOptions) {
		o.obs.onActionError = h
	}
}

// WithStopGracePeriod overrides DefaultStopGracePeriod. Zero or negative
// disables forced removal.
func WithStopGracePeriod(d time.Duration) Option {
	return func(o *containerOptions) {
		o.stopGracePeriod = d
	}
}

// WithRouterShards sets the number of delivery workers.
func WithRouterShards(n int) Option {
	return func(o *containerOptions) {
		if n > 0 {
			o.routerShards = n
		}
	}
}

// WithDeliveryRetry bounds retries of deliveries that failed to persist.
func WithDeliveryRetry(maxRetries uint64, initialInterval time.Duration) Option {
	return func(o *containerOptions) {
		o.deliveryRetries = maxRetries
		if initialInterval > 0 {
			o.retryInterval = initialInterval
		}
	}
}
