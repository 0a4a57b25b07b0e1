// Package subagentmetrics implements the scoped counter/histogram/gauge
// recorder keyed by (label, depth) described in spec.md §4.7, backed by
// Prometheus client_golang in the teacher's promauto constructor style
// (internal/observability/metrics.go).
package subagentmetrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector named in spec.md §6's metrics surface, all
// labeled by depth (stringified).
type Metrics struct {
	ExecutionsTotal  *prometheus.CounterVec
	DurationSeconds  *prometheus.HistogramVec
	TurnsUsed        *prometheus.HistogramVec
	TokensConsumed   *prometheus.HistogramVec
	CompletionsTotal *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	ActiveCount      *prometheus.GaugeVec
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subagent_executions_total",
			Help: "Total number of subagent executions started.",
		}, []string{"depth"}),
		DurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subagent_duration_seconds",
			Help:    "Subagent execution wall-clock duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"depth"}),
		TurnsUsed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subagent_turns_used",
			Help:    "Conversation turns consumed by a subagent execution.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}, []string{"depth"}),
		TokensConsumed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subagent_tokens_consumed",
			Help:    "Tokens consumed by a subagent execution.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		}, []string{"depth"}),
		CompletionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subagent_completions_total",
			Help: "Subagent completions by status. Labels: depth, status.",
		}, []string{"depth", "status"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subagent_errors_total",
			Help: "Subagent errors by type. Labels: depth, error_type.",
		}, []string{"depth", "error_type"}),
		ActiveCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subagent_active_count",
			Help: "Currently active subagent executions.",
		}, []string{"depth"}),
	}
}

// Scope tracks a single subagent execution keyed by (label, depth). It
// increments ActiveCount on creation and guarantees exactly one matching
// decrement, guarded by a "recorded" flag -- grounded on the teacher's
// observability style and confirmed against the original Rust
// implementation's SubagentMetrics (recorded: Cell<bool>), ported here to
// atomic.Bool for goroutine safety.
type Scope struct {
	metrics  *Metrics
	label    string
	depth    string
	start    time.Time
	recorded atomic.Bool
}

// NewScope creates a metrics scope for one subagent execution and
// increments ActiveCount exactly once.
func NewScope(m *Metrics, label string, depth int) *Scope {
	depthLabel := depthString(depth)
	m.ExecutionsTotal.WithLabelValues(depthLabel).Inc()
	m.ActiveCount.WithLabelValues(depthLabel).Inc()
	return &Scope{metrics: m, label: label, depth: depthLabel, start: time.Now()}
}

// RecordCompletion records a successful or truncated completion: duration,
// turns, tokens, and the completion status, then decrements ActiveCount.
// A second call (or a subsequent Close) is a no-op.
func (s *Scope) RecordCompletion(turns int, tokens int64, status string) {
	if !s.recorded.CompareAndSwap(false, true) {
		return
	}
	s.metrics.DurationSeconds.WithLabelValues(s.depth).Observe(time.Since(s.start).Seconds())
	s.metrics.TurnsUsed.WithLabelValues(s.depth).Observe(float64(turns))
	s.metrics.TokensConsumed.WithLabelValues(s.depth).Observe(float64(tokens))
	s.metrics.CompletionsTotal.WithLabelValues(s.depth, status).Inc()
	s.metrics.ActiveCount.WithLabelValues(s.depth).Dec()
}

// RecordError records an error by type and decrements ActiveCount. A
// second call (or a prior RecordCompletion) is a no-op.
func (s *Scope) RecordError(errorType string) {
	if !s.recorded.CompareAndSwap(false, true) {
		return
	}
	s.metrics.ErrorsTotal.WithLabelValues(s.depth, errorType).Inc()
	s.metrics.ActiveCount.WithLabelValues(s.depth).Dec()
}

// Close decrements ActiveCount if neither RecordCompletion nor RecordError
// has already done so -- a caller's deferred safety net so a panicking
// subagent still nets to zero on the gauge (spec.md property 4).
func (s *Scope) Close() {
	if !s.recorded.CompareAndSwap(false, true) {
		return
	}
	s.metrics.ActiveCount.WithLabelValues(s.depth).Dec()
}

func depthString(depth int) string {
	digits := [20]byte{}
	if depth == 0 {
		return "0"
	}
	neg := depth < 0
	if neg {
		depth = -depth
	}
	i := len(digits)
	for depth > 0 {
		i--
		digits[i] = byte('0' + depth%10)
		depth /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
