package telemetry

import (
	"math"
	"sort"
)

// Snapshot holds latency and outcome statistics over one sample window.
// Durations are in milliseconds; SuccessRate is a percentage in [0, 100].
type Snapshot struct {
	Operation    string  `json:"operation"`
	Variant      string  `json:"variant"`
	Count        int     `json:"count"`
	SuccessCount int     `json:"successCount"`
	FailureCount int     `json:"failureCount"`
	Mean         float64 `json:"mean"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	P50          float64 `json:"p50"`
	P95          float64 `json:"p95"`
	P99          float64 `json:"p99"`
	SuccessRate  float64 `json:"successRate"`
}

// Metadata flattens the snapshot into a map suitable for cache and audit metadata.
func (s Snapshot) Metadata() map[string]any {
	return map[string]any{
		"count":       s.Count,
		"mean":        s.Mean,
		"min":         s.Min,
		"max":         s.Max,
		"p50":         s.P50,
		"p95":         s.P95,
		"p99":         s.P99,
		"successRate": s.SuccessRate,
	}
}

func summarize(key Key, window []sample) Snapshot {
	snap := Snapshot{Operation: key.Operation, Variant: key.Variant}
	if len(window) == 0 {
		return snap
	}

	sorted := make([]float64, len(window))
	var sum float64
	for i, s := range window {
		sorted[i] = s.durationMs
		sum += s.durationMs
		if s.success {
			snap.SuccessCount++
		} else {
			snap.FailureCount++
		}
	}
	sort.Float64s(sorted)

	snap.Count = len(window)
	snap.Mean = sum / float64(len(window))
	snap.Min = sorted[0]
	snap.Max = sorted[len(sorted)-1]
	snap.P50 = Percentile(sorted, 50)
	snap.P95 = Percentile(sorted, 95)
	snap.P99 = Percentile(sorted, 99)
	snap.SuccessRate = float64(snap.SuccessCount) / float64(snap.Count) * 100
	return snap
}

// Percentile returns the nearest-rank percentile p (0-100) of an ascending
// slice: index ceil(p/100*n)-1 clamped to [0, n-1]. No interpolation.
// An empty slice yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Best returns the snapshot with the lowest p95 among those holding at least
// minSamples samples. Ties go to the lower mean, then the smaller variant ID.
func Best(snaps []Snapshot, minSamples int) (Snapshot, bool) {
	var (
		best  Snapshot
		found bool
	)
	for _, s := range snaps {
		if s.Count < minSamples || s.Count == 0 {
			continue
		}
		if !found || better(s, best) {
			best, found = s, true
		}
	}
	return best, found
}

func better(a, b Snapshot) bool {
	if a.P95 != b.P95 {
		return a.P95 < b.P95
	}
	if a.Mean != b.Mean {
		return a.Mean < b.Mean
	}
	return a.Variant < b.Variant
}
