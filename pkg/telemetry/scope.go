package telemetry

import (
	"sync"
	"time"
)

// Scope times a single execution of one variant and records exactly one
// sample into its Aggregator when closed.
//
//	scope := agg.Start("search", "SIMPLE")
//	defer scope.Close()
//	if err := doWork(); err != nil {
//	    scope.MarkFailed()
//	}
type Scope struct {
	agg       *Aggregator
	operation string
	variant   string
	start     time.Time

	mu     sync.Mutex
	failed bool
	closed bool
}

// Start opens a scope bound to operation and variant. The clock starts now.
func (a *Aggregator) Start(operation, variant string) *Scope {
	return &Scope{
		agg:       a,
		operation: operation,
		variant:   variant,
		start:     time.Now(),
	}
}

// MarkFailed flags the execution as failed. It has no effect after Close.
func (s *Scope) MarkFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Close stops the clock and records the sample. Only the first call records;
// later calls are no-ops.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	failed := s.failed
	s.mu.Unlock()

	elapsed := float64(time.Since(s.start)) / float64(time.Millisecond)
	s.agg.Record(s.operation, s.variant, elapsed, !failed)
}

// Time runs fn inside a scope. A non-nil error or a panic marks the sample
// failed; a panic is re-raised after the sample is recorded.
func (a *Aggregator) Time(operation, variant string, fn func() error) (err error) {
	scope := a.Start(operation, variant)
	defer func() {
		if r := recover(); r != nil {
			scope.MarkFailed()
			scope.Close()
			panic(r)
		}
		if err != nil {
			scope.MarkFailed()
		}
		scope.Close()
	}()

	return fn()
}
