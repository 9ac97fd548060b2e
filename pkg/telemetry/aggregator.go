// Package telemetry records per-variant execution samples and derives
// latency snapshots from them.
//
// Samples are kept in a bounded rolling window per (operation, variant) key so
// that percentiles reflect recent behavior while memory stays constant. Every
// key owns its own lock: recording into one key never contends with another,
// and AllSnapshots never takes a lock spanning more than one key.
package telemetry

import (
	"sort"
	"sync"
)

// DefaultWindowSize is the number of most recent samples retained per key.
const DefaultWindowSize = 1000

// Key identifies one variant of one operation.
type Key struct {
	Operation string
	Variant   string
}

// Aggregator is a concurrency-safe recorder of execution samples.
// The zero value is not usable; create one with NewAggregator.
type Aggregator struct {
	mu     sync.RWMutex
	series map[Key]*series
	window int
}

// NewAggregator creates an aggregator retaining DefaultWindowSize samples per key.
func NewAggregator() *Aggregator {
	return NewAggregatorWithWindow(DefaultWindowSize)
}

// NewAggregatorWithWindow creates an aggregator with a custom window size.
// A non-positive size falls back to DefaultWindowSize.
func NewAggregatorWithWindow(size int) *Aggregator {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Aggregator{
		series: make(map[Key]*series),
		window: size,
	}
}

// Record appends one sample for the given operation and variant.
// Negative durations are clamped to zero.
func (a *Aggregator) Record(operation, variant string, durationMs float64, success bool) {
	if durationMs < 0 {
		durationMs = 0
	}
	a.get(Key{Operation: operation, Variant: variant}).add(durationMs, success)
}

// Snapshot computes statistics over the current window of one key.
// An unknown key yields a zero snapshot.
func (a *Aggregator) Snapshot(operation, variant string) Snapshot {
	key := Key{Operation: operation, Variant: variant}

	a.mu.RLock()
	s, ok := a.series[key]
	a.mu.RUnlock()

	if !ok {
		return Snapshot{Operation: operation, Variant: variant}
	}
	return s.snapshot(key)
}

// AllSnapshots returns one snapshot per recorded key, sorted by operation
// then variant. Each snapshot is consistent for its own key; no ordering is
// guaranteed across keys.
func (a *Aggregator) AllSnapshots() []Snapshot {
	keys, all := a.keys()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, all[k].snapshot(k))
	}
	return out
}

// SnapshotsFor returns the snapshots of every variant recorded for operation,
// sorted by variant.
func (a *Aggregator) SnapshotsFor(operation string) []Snapshot {
	keys, all := a.keys()

	var out []Snapshot
	for _, k := range keys {
		if k.Operation == operation {
			out = append(out, all[k].snapshot(k))
		}
	}
	return out
}

// Operations returns the distinct operation names with at least one key, sorted.
func (a *Aggregator) Operations() []string {
	a.mu.RLock()
	seen := make(map[string]struct{}, len(a.series))
	for k := range a.series {
		seen[k.Operation] = struct{}{}
	}
	a.mu.RUnlock()

	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Clear drops every recorded sample.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.series = make(map[Key]*series)
}

// Len returns the number of tracked keys.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.series)
}

func (a *Aggregator) get(key Key) *series {
	a.mu.RLock()
	s, ok := a.series[key]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.series[key]; ok {
		return s
	}
	s = newSeries(a.window)
	a.series[key] = s
	return s
}

// keys copies the key set so snapshots are computed without holding the map lock.
func (a *Aggregator) keys() ([]Key, map[Key]*series) {
	a.mu.RLock()
	all := make(map[Key]*series, len(a.series))
	keys := make([]Key, 0, len(a.series))
	for k, s := range a.series {
		all[k] = s
		keys = append(keys, k)
	}
	a.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Operation != keys[j].Operation {
			return keys[i].Operation < keys[j].Operation
		}
		return keys[i].Variant < keys[j].Variant
	})
	return keys, all
}

type sample struct {
	durationMs float64
	success    bool
}

// series is a fixed-capacity ring of samples guarded by its own mutex.
type series struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
}

func newSeries(capacity int) *series {
	return &series{samples: make([]sample, capacity)}
}

func (s *series) add(durationMs float64, success bool) {
	s.mu.Lock()
	s.samples[s.next] = sample{durationMs: durationMs, success: success}
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
}

func (s *series) snapshot(key Key) Snapshot {
	s.mu.Lock()
	n := s.next
	if s.full {
		n = len(s.samples)
	}
	window := make([]sample, n)
	copy(window, s.samples[:n])
	s.mu.Unlock()

	return summarize(key, window)
}
