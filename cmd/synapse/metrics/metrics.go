// Package metrics provides Prometheus instrumentation for the evolution
// controller.
//
// Metrics exposed:
//   - synapse_stage_duration_seconds: Histogram of pipeline stage durations
//   - synapse_decisions_total: Counter of controller decisions per operation
//   - synapse_generations_total: Counter of generation attempts by result
//   - synapse_errors_total: Counter of errors by component and reason
//   - synapse_variant_p95_milliseconds: Gauge of the latest p95 per variant
//   - synapse_registered_variants: Gauge of variants in the registry
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/synapse/pkg/evolution"
)

// Metrics implements evolution.Recorder.
type Metrics struct {
	StageSeconds       *prometheus.HistogramVec
	DecisionsTotal     *prometheus.CounterVec
	GenerationsTotal   *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	VariantP95         *prometheus.GaugeVec
	RegisteredVariants prometheus.Gauge
}

var _ evolution.Recorder = (*Metrics)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synapse_stage_duration_seconds",
			Help:    "Time spent in each evolution pipeline stage",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"stage"}),

		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_decisions_total",
			Help: "Evolution decisions by operation and outcome",
		}, []string{"operation", "decision"}),

		GenerationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_generations_total",
			Help: "Generation service calls by operation and result",
		}, []string{"operation", "result"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "synapse_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),

		VariantP95: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synapse_variant_p95_milliseconds",
			Help: "Latest p95 latency of each variant",
		}, []string{"operation", "variant"}),

		RegisteredVariants: f.NewGauge(prometheus.GaugeOpts{
			Name: "synapse_registered_variants",
			Help: "Number of variants in the registry",
		}),
	}
}

// ObserveStage records the time spent in one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDecision counts one controller decision.
func (m *Metrics) RecordDecision(operation string, decision evolution.Decision) {
	m.DecisionsTotal.WithLabelValues(operation, string(decision)).Inc()
}

// RecordGeneration counts one generation call.
func (m *Metrics) RecordGeneration(operation, result string) {
	m.GenerationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// SetVariantP95 sets the latest p95 of a variant.
func (m *Metrics) SetVariantP95(operation, variant string, p95 float64) {
	m.VariantP95.WithLabelValues(operation, variant).Set(p95)
}

// SetRegisteredVariants sets the registry size.
func (m *Metrics) SetRegisteredVariants(n int) {
	m.RegisteredVariants.Set(float64(n))
}
