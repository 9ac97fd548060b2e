package evolution

import (
	"sync/atomic"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

// Variants lists the variants registered for an operation.
type Variants interface {
	List(operation string) []string
}

// Selector picks the variant live traffic should use for an operation.
//
// While any registered variant has fewer than MinSampleSize samples, calls
// rotate over all registered variants so new candidates get measured. Once
// every variant is warm, the best one by telemetry.Best wins.
type Selector struct {
	snapshots  Snapshots
	variants   Variants
	minSamples int
	next       atomic.Uint64
}

// NewSelector creates a Selector.
func NewSelector(snapshots Snapshots, variants Variants, minSamples int) *Selector {
	return &Selector{snapshots: snapshots, variants: variants, minSamples: minSamples}
}

// Select returns the variant to dispatch to, or false when the operation has
// no registered variant.
func (s *Selector) Select(operation string) (string, bool) {
	ids := s.variants.List(operation)
	if len(ids) == 0 {
		return "", false
	}

	byID := make(map[string]telemetry.Snapshot, len(ids))
	for _, snap := range s.snapshots.SnapshotsFor(operation) {
		byID[snap.Variant] = snap
	}

	warm := make([]telemetry.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, ok := byID[id]
		if !ok || snap.Count < s.minSamples {
			n := s.next.Add(1) - 1
			return ids[n%uint64(len(ids))], true
		}
		warm = append(warm, snap)
	}

	best, _ := telemetry.Best(warm, s.minSamples)
	return best.Variant, true
}
