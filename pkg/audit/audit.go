// Package audit keeps an append-only record of every generation request the
// evolution controller makes: the prompt, the raw reply, the extracted code
// and whether the candidate was applied.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

// Status tracks what happened to a generated candidate.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApplied, StatusRejected:
		return true
	}
	return false
}

// ErrNotFound is returned by SetStatus for an unknown record ID.
var ErrNotFound = errors.New("audit record not found")

// Record is one generation request and its result.
type Record struct {
	ID        string             `json:"id"`
	Operation string             `json:"operation"`
	Variant   string             `json:"variant"`
	Candidate string             `json:"candidate,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	Prompt    string             `json:"prompt"`
	Response  string             `json:"response"`
	Code      string             `json:"code"`
	Source    string             `json:"source,omitempty"`
	Metrics   telemetry.Snapshot `json:"metrics"`
	Status    Status             `json:"status"`
	Reason    string             `json:"reason,omitempty"`
}

// Log is an append-only audit store.
type Log interface {
	// Append stores rec, assigning an ID and timestamp when unset. The
	// status defaults to pending.
	Append(ctx context.Context, rec Record) (Record, error)
	// SetStatus updates the status (and optional reason) of one record.
	SetStatus(ctx context.Context, id string, status Status, reason string) error
	// List returns records for operation, oldest first. An empty operation
	// lists everything.
	List(ctx context.Context, operation string) ([]Record, error)
}

// prepare fills the fields Append is responsible for.
func prepare(rec Record) (Record, error) {
	if rec.Operation == "" {
		return Record{}, fmt.Errorf("append: operation required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("append: invalid status %q", rec.Status)
	}
	return rec, nil
}

// Report renders rec as a human-readable text document.
func Report(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generation request %s\n", rec.ID)
	fmt.Fprintf(&b, "Operation:  %s\n", rec.Operation)
	fmt.Fprintf(&b, "Variant:    %s\n", rec.Variant)
	if rec.Candidate != "" {
		fmt.Fprintf(&b, "Candidate:  %s\n", rec.Candidate)
	}
	fmt.Fprintf(&b, "Created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status:     %s\n", rec.Status)
	if rec.Reason != "" {
		fmt.Fprintf(&b, "Reason:     %s\n", rec.Reason)
	}

	m := rec.Metrics
	b.WriteString("\nMetrics\n")
	fmt.Fprintf(&b, "  samples:      %d (%d ok, %d failed)\n", m.Count, m.SuccessCount, m.FailureCount)
	fmt.Fprintf(&b, "  mean:         %.2f ms\n", m.Mean)
	fmt.Fprintf(&b, "  p50/p95/p99:  %.2f / %.2f / %.2f ms\n", m.P50, m.P95, m.P99)
	fmt.Fprintf(&b, "  min/max:      %.2f / %.2f ms\n", m.Min, m.Max)
	fmt.Fprintf(&b, "  success rate: %.1f%%\n", m.SuccessRate)

	section(&b, "Generated code", rec.Code)
	section(&b, "Original source", rec.Source)
	section(&b, "Raw response", rec.Response)
	return b.String()
}

func section(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "\n%s\n%s\n%s\n", title, strings.Repeat("-", len(title)), strings.TrimRight(body, "\n"))
}
