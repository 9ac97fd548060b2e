package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements CooldownStore with an in-process map.
// It is safe for concurrent use by multiple goroutines.
//
// Stamps are lost when the process exits, so a restarted service may
// regenerate immediately. Use RedisStore when that matters.
type MemoryStore struct {
	mu     sync.RWMutex
	stamps map[string]time.Time
}

// NewMemoryStore creates an empty in-memory cooldown store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stamps: make(map[string]time.Time),
	}
}

// Stamp records at as the last trigger time for operation, replacing any
// previous stamp.
//
// Returns an error if the operation name is invalid or the context is canceled.
func (s *MemoryStore) Stamp(ctx context.Context, operation string, at time.Time) error {
	if err := validateOperation(operation); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamps[operation] = at
	return nil
}

// LastTriggered returns the stamp recorded for operation.
//
// Returns:
//   - at: The last trigger time (zero value if never stamped)
//   - found: true if a stamp exists for this operation
//   - error: Context error if context is canceled, nil otherwise
func (s *MemoryStore) LastTriggered(ctx context.Context, operation string) (time.Time, bool, error) {
	select {
	case <-ctx.Done():
		return time.Time{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, found := s.stamps[operation]
	return at, found, nil
}

// Len returns the number of operations with a stamp.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stamps)
}

// Delete forgets the stamp for operation, re-arming regeneration.
// Returns true if a stamp was deleted.
func (s *MemoryStore) Delete(operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.stamps[operation]
	delete(s.stamps, operation)
	return existed
}
