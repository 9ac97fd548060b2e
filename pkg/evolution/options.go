package evolution

import (
	"errors"
	"time"
)

// Options tunes the controller.
type Options struct {
	// PerformanceThreshold is the p95 latency target in milliseconds.
	PerformanceThreshold float64
	// MinSampleSize is the number of samples a variant needs before it is
	// considered.
	MinSampleSize int
	// OptimizationInterval is the minimum time between two generation
	// attempts for the same operation.
	OptimizationInterval time.Duration
	// ForceGeneration skips the threshold check (the cooldown still applies).
	ForceGeneration bool
	// AutoEvolution enables the background loop started by Run.
	AutoEvolution bool
	// Interval is the time between two ticks of the loop.
	Interval time.Duration
	// GenerationTimeout bounds each call to the generation service.
	GenerationTimeout time.Duration
}

// DefaultOptions returns the stock configuration.
func DefaultOptions() Options {
	return Options{
		PerformanceThreshold: 100,
		MinSampleSize:        100,
		OptimizationInterval: 24 * time.Hour,
		AutoEvolution:        true,
		Interval:             30 * time.Second,
		GenerationTimeout:    60 * time.Second,
	}
}

// Validate reports impossible settings.
func (o Options) Validate() error {
	var errs []error
	if o.PerformanceThreshold <= 0 {
		errs = append(errs, errors.New("performance threshold must be > 0"))
	}
	if o.MinSampleSize < 1 {
		errs = append(errs, errors.New("min sample size must be >= 1"))
	}
	if o.OptimizationInterval < 0 {
		errs = append(errs, errors.New("optimization interval must be >= 0"))
	}
	if o.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	if o.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("generation timeout must be > 0"))
	}
	return errors.Join(errs...)
}
