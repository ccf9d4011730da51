package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"ooo-mirror/model"
)

// RedisLedger stores one key per delivered event. Entries never expire.
type RedisLedger struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func deliveredKey(calendarID, eventID string) string {
	return strings.Join([]string{"ooo", "delivered", calendarID, eventID}, ":")
}

func (l *RedisLedger) Seen(ctx context.Context, calendarID, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, deliveredKey(calendarID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s/%s: %w", calendarID, eventID, err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Record(ctx context.Context, rec model.DeliveredEventRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode ledger record: %w", err)
	}
	inserted, err := l.client.SetNX(ctx, deliveredKey(rec.CalendarID, rec.EventID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("ledger record %s/%s: %w", rec.CalendarID, rec.EventID, err)
	}
	return inserted, nil
}

// Count scans the calendar's entries; it is meant for operator views, not the hot path.
func (l *RedisLedger) Count(ctx context.Context, calendarID string) (int, error) {
	pattern := deliveredKey(calendarID, "*")
	n := 0
	iter := l.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("ledger count %s: %w", calendarID, err)
	}
	return n, nil
}
