package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveGeneration("success", time.Second)
	m.BreakerTransition("closed", "open", 1)
	m.GuardRejected("similar")
	m.FallbackDrawn("GDPR-BASIC")
	m.PhaseTransition("a", "b")
	m.StoreRetry("conflict")
	m.SessionStarted()
	m.SessionFinished("completed")
	m.TranscriptDropped()
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.GuardRejected("similar")
	m.GuardRejected("similar")
	m.BreakerTransition("closed", "open", 1)
	m.SessionStarted()

	if got := testutil.ToFloat64(m.guardRejections.WithLabelValues("similar")); got != 2 {
		t.Errorf("Expected 2 guard rejections, got %v", got)
	}
	if got := testutil.ToFloat64(m.breakerState); got != 1 {
		t.Errorf("Expected breaker gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsStarted); got != 1 {
		t.Errorf("Expected 1 session started, got %v", got)
	}
}
