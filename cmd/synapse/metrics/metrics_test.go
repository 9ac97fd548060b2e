package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HatiCode/synapse/pkg/evolution"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDecision("search", evolution.DecisionRegistered)
	m.RecordDecision("search", evolution.DecisionRegistered)
	m.RecordGeneration("search", "ok")
	m.RecordError("builder", "compile_failed")
	m.SetVariantP95("search", "SIMPLE", 140)
	m.SetRegisteredVariants(3)
	m.ObserveStage(evolution.StageGenerate, 2*time.Second)

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("search", "registered")); got != 2 {
		t.Errorf("decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("search", "ok")); got != 1 {
		t.Errorf("generations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("builder", "compile_failed")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VariantP95.WithLabelValues("search", "SIMPLE")); got != 140 {
		t.Errorf("p95 = %v, want 140", got)
	}
	if got := testutil.ToFloat64(m.RegisteredVariants); got != 3 {
		t.Errorf("registered = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(m.StageSeconds); n != 1 {
		t.Errorf("stage series = %d, want 1", n)
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
