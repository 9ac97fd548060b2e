//go:build integration

package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container and returns its address.
func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return strings.TrimPrefix(endpoint, "redis://")
}

func TestRedisStore_NewRedisStore_Validation(t *testing.T) {
	tests := []struct {
		name string
		addr string
		db   int
	}{
		{"empty address", "", 0},
		{"negative db", "localhost:6379", -1},
		{"unreachable", "invalid:99999", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRedisStore(tt.addr, "", tt.db, time.Minute); err == nil {
				t.Error("NewRedisStore() expected error, got nil")
			}
		})
	}
}

func TestRedisStore_StampRoundTrip(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, found, err := store.LastTriggered(ctx, "search"); err != nil || found {
		t.Fatalf("LastTriggered() before stamp = found %v, err %v", found, err)
	}

	at := time.Date(2026, 3, 1, 12, 30, 15, 123456789, time.UTC)
	if err := store.Stamp(ctx, "search", at); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}

	got, found, err := store.LastTriggered(ctx, "search")
	if err != nil || !found {
		t.Fatalf("LastTriggered() = found %v, err %v", found, err)
	}
	if !got.Equal(at) {
		t.Errorf("LastTriggered() = %v, want %v", got, at)
	}
}

func TestRedisStore_SharedBetweenInstances(t *testing.T) {
	addr := setupRedisContainer(t)

	a, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer a.Close()
	b, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer b.Close()

	at := time.Now().UTC()
	if err := a.Stamp(context.Background(), "search", at); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}
	got, found, err := b.LastTriggered(context.Background(), "search")
	if err != nil || !found || !got.Equal(at) {
		t.Errorf("second instance LastTriggered() = %v, %v, %v; want %v", got, found, err, at)
	}
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Second)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Stamp(ctx, "search", time.Now()); err != nil {
		t.Fatalf("Stamp() error = %v", err)
	}

	time.Sleep(2 * time.Second)

	if _, found, err := store.LastTriggered(ctx, "search"); err != nil || found {
		t.Errorf("LastTriggered() after TTL = found %v, err %v; want expired", found, err)
	}
}

func TestRedisStore_OperationNames(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Stamp(ctx, "", time.Now()); err == nil {
		t.Error("Stamp() with empty operation should fail")
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, op := range []string{"a:b", "ProductService/Search", "(*Svc).Find", "product search"} {
		if err := store.Stamp(ctx, op, at); err != nil {
			t.Fatalf("Stamp(%q) error = %v", op, err)
		}
		got, found, err := store.LastTriggered(ctx, op)
		if err != nil || !found || !got.Equal(at) {
			t.Errorf("LastTriggered(%q) = %v, %v, %v; want %v", op, got, found, err, at)
		}
	}

	// "a:b" and "a%3Ab" must not share a key.
	if _, found, _ := store.LastTriggered(ctx, "a%3Ab"); found {
		t.Error("LastTriggered(\"a%3Ab\") found a stamp written for \"a:b\"")
	}
}

func TestRedisStore_Close_Idempotent(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
