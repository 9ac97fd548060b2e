// Package source finds the current implementation of an operation so the
// generation prompt can include it.
package source

// Provider returns source text for an operation. A false result means the
// source is unavailable; callers carry on without it.
type Provider interface {
	// ExtractSource returns the declaration implementing operation.
	ExtractSource(operation string) (string, bool)
	// ExtractContext returns declarations surrounding it (types in the same
	// file).
	ExtractContext(operation string) (string, bool)
}
