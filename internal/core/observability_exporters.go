package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sleecore"

var usageLabels = []string{"table", "set", "param"}

// PrometheusMetricsRecorder exports operation durations and outcomes, and
// profile usage parameters labelled by table, set and parameter.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
	usage     *prometheus.GaugeVec
	samples   *prometheus.SummaryVec
}

// NewPrometheusMetricsRecorder registers the recorder's collectors with reg.
// A nil reg leaves them unregistered.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	rec := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "kernel",
				Name:      "operation_duration_seconds",
				Help:      "Duration of kernel operations.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"operation"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "kernel",
				Name:      "operations_total",
				Help:      "Kernel operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		usage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "usage",
				Name:      "counter",
				Help:      "Profile usage counter parameters.",
			},
			usageLabels,
		),
		samples: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace: metricsNamespace,
				Subsystem: "usage",
				Name:      "sample",
				Help:      "Profile usage sample parameters.",
			},
			usageLabels,
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{rec.durations, rec.results, rec.usage, rec.samples} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return rec, nil
}

// Observe records one operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}

// AddUsage implements UsageRecorder.
func (r *PrometheusMetricsRecorder) AddUsage(table, set, param string, delta int64) {
	r.usage.WithLabelValues(table, usageSetLabel(set), param).Add(float64(delta))
}

// SampleUsage implements UsageRecorder.
func (r *PrometheusMetricsRecorder) SampleUsage(table, set, param string, value int64) {
	r.samples.WithLabelValues(table, usageSetLabel(set), param).Observe(float64(value))
}

func usageSetLabel(set string) string {
	if set == "" {
		return "default"
	}
	return set
}

// JSONTraceEntry is a serialized span.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and retains them.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer encoding to w; a nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonTraceSpan) End(err error) {
	s.once.Do(func() {
		ended := time.Now().UTC()
		entry := JSONTraceEntry{
			Operation:  s.operation,
			Status:     "success",
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
		s.tracer.mu.Lock()
		defer s.tracer.mu.Unlock()
		s.tracer.entries = append(s.tracer.entries, entry)
		if s.tracer.enc != nil {
			_ = s.tracer.enc.Encode(entry)
		}
	})
}
