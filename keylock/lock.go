// Package keylock serializes work per key across processes with a Redis lease.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryAcquire when another holder owns the key.
var ErrNotAcquired = errors.New("keylock: held by another worker")

const (
	DefaultTTL          = 5 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token, so an expired
// lease that someone else re-acquired is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out per-key leases.
type Locker struct {
	client       *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
}

// New creates a locker. A non-positive ttl falls back to DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl, pollInterval: defaultPollInterval}
}

func lockKey(key string) string {
	return strings.Join([]string{"ooo", "lock", key}, ":")
}

// Acquire blocks until the lease for key is held or ctx is done. The returned release
// must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		release, err := l.TryAcquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("keylock: waiting for %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquire takes the lease once without waiting.
func (l *Locker) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("keylock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func() {
		// Release must work even after the caller's context was cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey(key)}, token).Err()
	}, nil
}
