// Package storage persists per-operation regeneration cooldowns.
//
// The evolution controller asks a CooldownStore when it last attempted to
// generate a variant for an operation, and stamps the store every time it
// attempts one. MemoryStore keeps the stamps for the process lifetime;
// RedisStore shares them between replicas and across restarts.
package storage

import (
	"context"
	"errors"
	"time"
)

// CooldownStore records when regeneration was last triggered per operation.
type CooldownStore interface {
	// LastTriggered returns the last stamp for operation. found is false when
	// the operation has never been stamped (or the stamp expired).
	LastTriggered(ctx context.Context, operation string) (at time.Time, found bool, err error)
	// Stamp records at as the last trigger time for operation.
	Stamp(ctx context.Context, operation string, at time.Time) error
}

// validateOperation rejects names that cannot identify a stamp. Any
// non-empty name is accepted; backends encode it as needed.
func validateOperation(operation string) error {
	if operation == "" {
		return errors.New("operation name required")
	}
	return nil
}
