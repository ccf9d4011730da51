package rdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultURL = "redis://localhost:6379"

	healthStream = "ooo:health:bootstrap"
)

// Connect parses url (falls back to localhost), pings, and verifies XADD so the
// activity feed can rely on streams.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	if err := Verify(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// NewClient builds a client without touching the network. Bare host:port values are
// accepted alongside redis:// URLs.
func NewClient(url string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultURL
	}
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid REDIS_URL %q: %w", url, err)
	}
	return redis.NewClient(opts), nil
}

// Verify pings and round-trips one stream entry.
func Verify(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: healthStream,
		MaxLen: 10,
		Approx: true,
		Values: map[string]any{
			"msg": "redis-online-check",
			"ts":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: XADD failed: %w", err)
	}
	if err := client.XDel(ctx, healthStream, id).Err(); err != nil {
		return fmt.Errorf("redis: XDEL failed for %s: %w", id, err)
	}
	return nil
}
