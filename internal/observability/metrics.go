// Package observability holds the Prometheus metrics for the assessment core.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors exported on /metrics. A nil *Metrics is
// valid and records nothing, so tests can pass nil.
type Metrics struct {
	generationTotal    *prometheus.CounterVec
	generationDuration prometheus.Histogram
	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	guardRejections    *prometheus.CounterVec
	fallbackDraws      *prometheus.CounterVec
	phaseTransitions   *prometheus.CounterVec
	storeRetries       *prometheus.CounterVec
	sessionsStarted    prometheus.Counter
	sessionsFinished   *prometheus.CounterVec
	transcriptDropped  prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		generationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_generation_total",
			Help: "Question generation calls by outcome",
		}, []string{"outcome"}),
		generationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assessment_generation_duration_seconds",
			Help:    "Question generation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "assessment_breaker_state",
			Help: "Generation circuit breaker state (0 closed, 1 open, 2 half_open)",
		}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"from", "to"}),
		guardRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_guard_rejections_total",
			Help: "Loop prevention rejections by level",
		}, []string{"level"}),
		fallbackDraws: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_fallback_draws_total",
			Help: "Questions drawn from the fallback bank by framework",
		}, []string{"framework"}),
		phaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_phase_transitions_total",
			Help: "Session phase transitions",
		}, []string{"from", "to"}),
		storeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_store_retries_total",
			Help: "Session store retries by cause",
		}, []string{"cause"}),
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "assessment_sessions_started_total",
			Help: "Assessment sessions created",
		}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assessment_sessions_finished_total",
			Help: "Assessment sessions reaching a terminal phase",
		}, []string{"phase"}),
		transcriptDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "assessment_transcript_dropped_total",
			Help: "Transcript entries dropped because the queue was full",
		}),
	}
}

// ObserveGeneration records one generation call.
func (m *Metrics) ObserveGeneration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.generationTotal.WithLabelValues(outcome).Inc()
	m.generationDuration.Observe(d.Seconds())
}

// BreakerTransition records a breaker state change. state is the numeric
// value of the new state.
func (m *Metrics) BreakerTransition(from, to string, state int) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(from, to).Inc()
	m.breakerState.Set(float64(state))
}

// GuardRejected records a loop prevention rejection.
func (m *Metrics) GuardRejected(level string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(level).Inc()
}

// FallbackDrawn records a fallback question being issued.
func (m *Metrics) FallbackDrawn(framework string) {
	if m == nil {
		return
	}
	m.fallbackDraws.WithLabelValues(framework).Inc()
}

// PhaseTransition records a session phase change.
func (m *Metrics) PhaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

// StoreRetry records a store retry; cause is "transient" or "conflict".
func (m *Metrics) StoreRetry(cause string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(cause).Inc()
}

// SessionStarted records a new session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// SessionFinished records a session reaching a terminal phase.
func (m *Metrics) SessionFinished(phase string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(phase).Inc()
}

// TranscriptDropped records a transcript entry dropped under backpressure.
func (m *Metrics) TranscriptDropped() {
	if m == nil {
		return
	}
	m.transcriptDropped.Inc()
}
