// Package watchstore persists per-calendar subscriptions, sync cursors and health in
// Redis. Every mutation of a subscription or cursor is a compare-and-swap on the prior
// state so overlapping renewals or syncs cannot both win.
package watchstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ooo-mirror/model"
)

// ErrConflict means the stored state no longer matches what the caller expected.
// The caller must re-read and decide again.
var ErrConflict = errors.New("watchstore: state changed concurrently")

const (
	keyPrefix = "ooo"

	// channelGrace keeps the reverse lookup alive a little past the lease so late
	// notifications on a retired channel still resolve to UnknownChannel cleanly.
	channelGrace = time.Hour
)

// Store is the Redis-backed Token & Channel Store.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// New creates a store on the given client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func watchKey(calendarID string) string {
	return strings.Join([]string{keyPrefix, "watch", calendarID}, ":")
}

func channelKey(channelID string) string {
	return strings.Join([]string{keyPrefix, "channel", channelID}, ":")
}

func cursorKey(calendarID string) string {
	return strings.Join([]string{keyPrefix, "cursor", calendarID}, ":")
}

func healthKey(calendarID string) string {
	return strings.Join([]string{keyPrefix, "health", calendarID}, ":")
}

// GetSubscription returns the active subscription, or nil when none is stored.
func (s *Store) GetSubscription(ctx context.Context, calendarID string) (*model.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, watchKey(calendarID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscription for %s: %w", calendarID, err)
	}
	return decodeSubscription(calendarID, fields), nil
}

// SwapSubscription replaces the active subscription only if the stored channel id still
// equals expectedChannelID ("" expects no subscription).
func (s *Store) SwapSubscription(ctx context.Context, calendarID, expectedChannelID string, next model.Subscription) error {
	if next.ChannelID == "" {
		return fmt.Errorf("swap subscription for %s: empty channel id", calendarID)
	}
	next.CalendarID = calendarID
	key := watchKey(calendarID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "channel_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expectedChannelID {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, encodeSubscription(next))
			pipe.Set(ctx, channelKey(next.ChannelID), calendarID, s.channelTTL(next.Expiry))
			return nil
		})
		return err
	}, key)
	return s.casResult("swap subscription", calendarID, err)
}

// ClearSubscription removes the active subscription if it is still expectedChannelID.
func (s *Store) ClearSubscription(ctx context.Context, calendarID, expectedChannelID string) error {
	key := watchKey(calendarID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "channel_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expectedChannelID {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	return s.casResult("clear subscription", calendarID, err)
}

// ForgetChannel drops the reverse lookup of a torn-down channel.
func (s *Store) ForgetChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	if err := s.client.Del(ctx, channelKey(channelID)).Err(); err != nil {
		return fmt.Errorf("forget channel %s: %w", channelID, err)
	}
	return nil
}

// CalendarForChannel maps a channel id to the calendar it was created for. Returns
// "" with no error when the channel is unknown.
func (s *Store) CalendarForChannel(ctx context.Context, channelID string) (string, error) {
	calendarID, err := s.client.Get(ctx, channelKey(channelID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	return calendarID, nil
}

// GetCursor returns the stored cursor; an empty token means full resync.
func (s *Store) GetCursor(ctx context.Context, calendarID string) (model.SyncCursor, error) {
	fields, err := s.client.HGetAll(ctx, cursorKey(calendarID)).Result()
	if err != nil {
		return model.SyncCursor{}, fmt.Errorf("read cursor for %s: %w", calendarID, err)
	}
	return model.SyncCursor{
		CalendarID: calendarID,
		Token:      fields["token"],
		AdvancedAt: parseTime(fields["advanced_at"]),
	}, nil
}

// AdvanceCursor moves the cursor from expectedToken to nextToken.
func (s *Store) AdvanceCursor(ctx context.Context, calendarID, expectedToken, nextToken string) error {
	if nextToken == "" {
		return fmt.Errorf("advance cursor for %s: empty token", calendarID)
	}
	key := cursorKey(calendarID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "token").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expectedToken {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"token":       nextToken,
				"advanced_at": formatTime(s.now()),
			})
			return nil
		})
		return err
	}, key)
	return s.casResult("advance cursor", calendarID, err)
}

// ResetCursor clears the token after the provider invalidated it. This is the only
// path that moves a cursor backwards.
func (s *Store) ResetCursor(ctx context.Context, calendarID, reason string) error {
	err := s.client.HSet(ctx, cursorKey(calendarID), map[string]any{
		"token":        "",
		"reset_at":     formatTime(s.now()),
		"reset_reason": reason,
	}).Err()
	if err != nil {
		return fmt.Errorf("reset cursor for %s: %w", calendarID, err)
	}
	return nil
}

// RecordSyncSuccess notes a committed sync pass.
func (s *Store) RecordSyncSuccess(ctx context.Context, calendarID string) error {
	return s.client.HSet(ctx, healthKey(calendarID), map[string]any{
		"last_sync_at":         formatTime(s.now()),
		"consecutive_failures": 0,
		"last_error":           "",
	}).Err()
}

// RecordSyncFailure bumps the consecutive sync failure count.
func (s *Store) RecordSyncFailure(ctx context.Context, calendarID string, cause error) error {
	key := healthKey(calendarID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "consecutive_failures", 1)
		pipe.HSet(ctx, key, "last_error", errString(cause))
		return nil
	})
	return err
}

// RecordRenewal notes a healthy subscription check and clears degradation.
func (s *Store) RecordRenewal(ctx context.Context, calendarID string) error {
	return s.client.HSet(ctx, healthKey(calendarID), map[string]any{
		"state":            string(model.SubscriptionActive),
		"last_renewal_at":  formatTime(s.now()),
		"renewal_failures": 0,
	}).Err()
}

// MarkDegraded flags a calendar whose subscription could not be renewed.
func (s *Store) MarkDegraded(ctx context.Context, calendarID string, cause error) error {
	key := healthKey(calendarID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"state":      string(model.SubscriptionDegraded),
			"last_error": errString(cause),
		})
		pipe.HIncrBy(ctx, key, "renewal_failures", 1)
		return nil
	})
	return err
}

// GetHealth assembles the operator view from the health hash and the subscription.
func (s *Store) GetHealth(ctx context.Context, calendarID string) (model.CalendarHealth, error) {
	fields, err := s.client.HGetAll(ctx, healthKey(calendarID)).Result()
	if err != nil {
		return model.CalendarHealth{}, fmt.Errorf("read health for %s: %w", calendarID, err)
	}
	sub, err := s.GetSubscription(ctx, calendarID)
	if err != nil {
		return model.CalendarHealth{}, err
	}

	h := model.CalendarHealth{
		CalendarID:          calendarID,
		LastSyncAt:          parseTime(fields["last_sync_at"]),
		LastRenewalAt:       parseTime(fields["last_renewal_at"]),
		ConsecutiveFailures: atoi(fields["consecutive_failures"]),
		RenewalFailures:     atoi(fields["renewal_failures"]),
		LastError:           fields["last_error"],
	}
	switch {
	case model.SubscriptionState(fields["state"]) == model.SubscriptionDegraded:
		h.SubscriptionState = model.SubscriptionDegraded
	case sub == nil:
		h.SubscriptionState = model.SubscriptionMissing
	default:
		h.SubscriptionState = model.SubscriptionActive
	}
	if sub != nil {
		h.ChannelID = sub.ChannelID
		h.Expiry = sub.Expiry
	}
	return h, nil
}

func (s *Store) channelTTL(expiry time.Time) time.Duration {
	ttl := expiry.Sub(s.now()) + channelGrace
	if ttl < channelGrace {
		return channelGrace
	}
	return ttl
}

func (s *Store) casResult(op, calendarID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return fmt.Errorf("%s for %s: %w", op, calendarID, err)
	}
}

func encodeSubscription(sub model.Subscription) map[string]any {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return map[string]any{
		"calendar_id":  sub.CalendarID,
		"channel_id":   sub.ChannelID,
		"resource_id":  sub.ResourceID,
		"secret":       sub.Secret,
		"callback_url": sub.CallbackURL,
		"expiration":   sub.Expiry.UnixMilli(),
		"created_at":   formatTime(created),
	}
}

func decodeSubscription(calendarID string, fields map[string]string) *model.Subscription {
	if fields["channel_id"] == "" {
		return nil
	}
	sub := &model.Subscription{
		CalendarID:  calendarID,
		ChannelID:   fields["channel_id"],
		ResourceID:  fields["resource_id"],
		Secret:      fields["secret"],
		CallbackURL: fields["callback_url"],
		CreatedAt:   parseTime(fields["created_at"]),
	}
	if ms, err := strconv.ParseInt(strings.TrimSpace(fields["expiration"]), 10, 64); err == nil && ms > 0 {
		sub.Expiry = time.UnixMilli(ms)
	}
	return sub
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
