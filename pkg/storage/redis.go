package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "synapse:cooldown:"

// RedisStore implements CooldownStore on top of Redis so that every replica
// of a service observes the same cooldown and stamps survive restarts.
//
// Each stamp is stored as an RFC3339Nano string under
// "synapse:cooldown:{operation}" (operation path-escaped) and expires after
// the configured TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore creates a new Redis-backed cooldown store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: Stamp expiration (0 uses a default of 48 hours, twice the default
//     optimization interval)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 48 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

// Stamp stores at for operation with TTL-based expiration.
func (r *RedisStore) Stamp(ctx context.Context, operation string, at time.Time) error {
	if err := validateOperation(operation); err != nil {
		return err
	}

	value := at.UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, redisKey(operation), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cooldown in redis: %w", err)
	}
	return nil
}

// LastTriggered reads the stamp for operation.
//
// A missing or expired key is reported as found=false with no error.
func (r *RedisStore) LastTriggered(ctx context.Context, operation string) (time.Time, bool, error) {
	if err := validateOperation(operation); err != nil {
		return time.Time{}, false, err
	}

	value, err := r.client.Get(ctx, redisKey(operation)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get cooldown from redis: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cooldown %q: %w", value, err)
	}
	return at, true, nil
}

func redisKey(operation string) string {
	return redisKeyPrefix + url.PathEscape(operation)
}

// Close closes the Redis client connection.
// It is safe to call multiple times (idempotent).
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
