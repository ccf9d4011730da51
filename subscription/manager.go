// Package subscription keeps one live push subscription per watched calendar and
// replaces it before its lease runs out.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ooo-mirror/activity"
	"ooo-mirror/model"
	"ooo-mirror/provider"
	"ooo-mirror/syncerr"
	"ooo-mirror/watchstore"
)

const (
	DefaultTTL    = 7 * 24 * time.Hour
	DefaultMargin = time.Hour

	secretBytes = 32
)

// Store is the slice of the watch store the manager needs.
type Store interface {
	GetSubscription(ctx context.Context, calendarID string) (*model.Subscription, error)
	SwapSubscription(ctx context.Context, calendarID, expectedChannelID string, next model.Subscription) error
	ClearSubscription(ctx context.Context, calendarID, expectedChannelID string) error
	ForgetChannel(ctx context.Context, channelID string) error
	RecordRenewal(ctx context.Context, calendarID string) error
	MarkDegraded(ctx context.Context, calendarID string, cause error) error
}

type Config struct {
	Calendars   []string
	CallbackURL string
	TTL         time.Duration
	Margin      time.Duration
}

// Result reports what EnsureFresh did.
type Result struct {
	Renewed   bool      `json:"renewed"`
	Expiry    time.Time `json:"expiry"`
	ChannelID string    `json:"channel_id"`
}

// TickOutcome is the per-calendar result of a RunTick.
type TickOutcome struct {
	CalendarID string    `json:"calendar"`
	Renewed    bool      `json:"renewed"`
	Expiry     time.Time `json:"expiry,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Manager struct {
	store      Store
	subscriber provider.Subscriber
	feed       *activity.Feed
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds a manager. feed may be nil.
func New(store Store, subscriber provider.Subscriber, feed *activity.Feed, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	return &Manager{
		store:      store,
		subscriber: subscriber,
		feed:       feed,
		cfg:        cfg,
		logger:     logger.With().Str("component", "subscription-manager").Logger(),
		now:        time.Now,
	}
}

// EnsureFresh creates a subscription when none exists or the current one expires within
// the renewal margin. A comfortably live subscription is left alone.
func (m *Manager) EnsureFresh(ctx context.Context, calendarID string) (Result, error) {
	return m.ensure(ctx, calendarID, false)
}

// ForceRenew replaces the subscription regardless of its remaining lease.
func (m *Manager) ForceRenew(ctx context.Context, calendarID string) (Result, error) {
	return m.ensure(ctx, calendarID, true)
}

func (m *Manager) ensure(ctx context.Context, calendarID string, force bool) (Result, error) {
	current, err := m.store.GetSubscription(ctx, calendarID)
	if err != nil {
		return Result{}, syncerr.New(syncerr.KindSubscriptionRenewal, "read subscription", calendarID, err)
	}
	if !force && current != nil && !current.ExpiresWithin(m.cfg.Margin, m.now()) {
		return Result{Expiry: current.Expiry, ChannelID: current.ChannelID}, nil
	}

	secret, err := newSecret()
	if err != nil {
		return Result{}, syncerr.New(syncerr.KindSubscriptionRenewal, "generate secret", calendarID, err)
	}
	next, err := m.subscriber.CreateSubscription(ctx, calendarID, m.cfg.CallbackURL, secret, m.cfg.TTL)
	if err != nil {
		return Result{}, syncerr.New(syncerr.KindSubscriptionRenewal, "create subscription", calendarID, err)
	}

	expected := ""
	if current != nil {
		expected = current.ChannelID
	}
	if err := m.store.SwapSubscription(ctx, calendarID, expected, next); err != nil {
		m.discard(ctx, next, "swap lost")
		if errors.Is(err, watchstore.ErrConflict) {
			return m.afterConflict(ctx, calendarID)
		}
		return Result{}, syncerr.New(syncerr.KindSubscriptionRenewal, "persist subscription", calendarID, err)
	}

	if current != nil {
		m.discard(ctx, *current, "replaced")
	}

	m.logger.Info().
		Str("calendar", calendarID).
		Str("channel_id", next.ChannelID).
		Time("expiry", next.Expiry).
		Bool("forced", force).
		Msg("subscription renewed")
	m.record(ctx, activity.KindRenewed, calendarID, map[string]any{
		"channel_id": next.ChannelID,
		"expiry":     next.Expiry.UTC().Format(time.RFC3339),
	})
	return Result{Renewed: true, Expiry: next.Expiry, ChannelID: next.ChannelID}, nil
}

// afterConflict re-reads the winner of a concurrent renewal. A fresh winner makes this
// attempt a no-op; anything else is retried on the next tick.
func (m *Manager) afterConflict(ctx context.Context, calendarID string) (Result, error) {
	winner, err := m.store.GetSubscription(ctx, calendarID)
	if err != nil {
		return Result{}, syncerr.New(syncerr.KindSubscriptionRenewal, "re-read subscription", calendarID, err)
	}
	if winner != nil && !winner.ExpiresWithin(m.cfg.Margin, m.now()) {
		m.logger.Debug().Str("calendar", calendarID).Str("channel_id", winner.ChannelID).Msg("concurrent renewal won; keeping its subscription")
		return Result{Expiry: winner.Expiry, ChannelID: winner.ChannelID}, nil
	}
	return Result{}, syncerr.Newf(syncerr.KindSubscriptionRenewal, "persist subscription", calendarID, "concurrent update left no fresh subscription")
}

// discard stops a channel and drops its reverse lookup. Failures are logged only; the
// lease expires on its own.
func (m *Manager) discard(ctx context.Context, sub model.Subscription, reason string) {
	if err := m.subscriber.DeleteSubscription(ctx, sub); err != nil {
		m.logger.Warn().Err(err).
			Str("calendar", sub.CalendarID).
			Str("channel_id", sub.ChannelID).
			Str("reason", reason).
			Msg("channel teardown failed; lease will expire")
	}
	if err := m.store.ForgetChannel(ctx, sub.ChannelID); err != nil {
		m.logger.Warn().Err(err).Str("channel_id", sub.ChannelID).Msg("failed to drop channel lookup")
	}
}

// RunTick checks every configured calendar. One calendar failing never stops the rest.
func (m *Manager) RunTick(ctx context.Context) []TickOutcome {
	outcomes := make([]TickOutcome, 0, len(m.cfg.Calendars))
	for _, calendarID := range m.cfg.Calendars {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, m.tickOne(ctx, calendarID, false))
	}
	return outcomes
}

// RunFor checks the named calendars, optionally forcing replacement.
func (m *Manager) RunFor(ctx context.Context, calendarIDs []string, force bool) []TickOutcome {
	outcomes := make([]TickOutcome, 0, len(calendarIDs))
	for _, calendarID := range calendarIDs {
		outcomes = append(outcomes, m.tickOne(ctx, calendarID, force))
	}
	return outcomes
}

func (m *Manager) tickOne(ctx context.Context, calendarID string, force bool) TickOutcome {
	res, err := m.ensure(ctx, calendarID, force)
	out := TickOutcome{CalendarID: calendarID, Renewed: res.Renewed, Expiry: res.Expiry, ChannelID: res.ChannelID}
	if err != nil {
		out.Error = err.Error()
		m.logger.Error().Err(err).Str("calendar", calendarID).Msg("subscription renewal failed; calendar degraded")
		if merr := m.store.MarkDegraded(ctx, calendarID, err); merr != nil {
			m.logger.Warn().Err(merr).Str("calendar", calendarID).Msg("failed to record degraded state")
		}
		m.record(ctx, activity.KindDegraded, calendarID, map[string]any{"error": err.Error()})
		return out
	}
	if rerr := m.store.RecordRenewal(ctx, calendarID); rerr != nil {
		m.logger.Warn().Err(rerr).Str("calendar", calendarID).Msg("failed to record renewal")
	}
	return out
}

// Teardown stops and forgets the active subscription, if any.
func (m *Manager) Teardown(ctx context.Context, calendarID string) error {
	current, err := m.store.GetSubscription(ctx, calendarID)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if err := m.subscriber.DeleteSubscription(ctx, *current); err != nil {
		return fmt.Errorf("teardown %s: %w", calendarID, err)
	}
	if err := m.store.ClearSubscription(ctx, calendarID, current.ChannelID); err != nil {
		return fmt.Errorf("teardown %s: %w", calendarID, err)
	}
	if err := m.store.ForgetChannel(ctx, current.ChannelID); err != nil {
		return err
	}
	m.logger.Info().Str("calendar", calendarID).Str("channel_id", current.ChannelID).Msg("subscription torn down")
	return nil
}

func (m *Manager) record(ctx context.Context, kind, calendarID string, fields map[string]any) {
	if m.feed == nil {
		return
	}
	if _, err := m.feed.Append(ctx, kind, calendarID, fields); err != nil {
		m.logger.Debug().Err(err).Str("kind", kind).Msg("activity append failed")
	}
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
