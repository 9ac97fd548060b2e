package evolution

import "time"

// Pipeline stages reported to the Recorder.
const (
	StageCollect  = "collect"
	StageCooldown = "cooldown"
	StageGenerate = "generate"
	StageBuild    = "build"
	StagePersist  = "persist"
)

// Recorder receives controller measurements. cmd/synapse/metrics implements
// it with Prometheus.
type Recorder interface {
	ObserveStage(stage string, d time.Duration)
	RecordDecision(operation string, decision Decision)
	RecordGeneration(operation, result string)
	RecordError(component, reason string)
	SetVariantP95(operation, variant string, p95 float64)
	SetRegisteredVariants(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration)    {}
func (nopRecorder) RecordDecision(string, Decision)       {}
func (nopRecorder) RecordGeneration(string, string)       {}
func (nopRecorder) RecordError(string, string)            {}
func (nopRecorder) SetVariantP95(string, string, float64) {}
func (nopRecorder) SetRegisteredVariants(int)             {}
