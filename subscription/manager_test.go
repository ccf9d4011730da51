package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooo-mirror/activity"
	"ooo-mirror/model"
	"ooo-mirror/syncerr"
	"ooo-mirror/watchstore"
)

type fakeSubscriber struct {
	mu        sync.Mutex
	seq       int
	created   []model.Subscription
	deleted   []string
	createErr map[string]error
	deleteErr error
}

func (f *fakeSubscriber) CreateSubscription(_ context.Context, calendarID, callbackURL, secret string, ttl time.Duration) (model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[calendarID]; err != nil {
		return model.Subscription{}, err
	}
	f.seq++
	sub := model.Subscription{
		CalendarID:  calendarID,
		ChannelID:   fmt.Sprintf("ch-%d", f.seq),
		ResourceID:  fmt.Sprintf("res-%d", f.seq),
		Secret:      secret,
		CallbackURL: callbackURL,
		Expiry:      time.Now().Add(ttl),
		CreatedAt:   time.Now(),
	}
	f.created = append(f.created, sub)
	return sub, nil
}

func (f *fakeSubscriber) DeleteSubscription(_ context.Context, sub model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sub.ChannelID)
	return f.deleteErr
}

type harness struct {
	manager *Manager
	store   *watchstore.Store
	sub     *fakeSubscriber
	feed    *activity.Feed
}

func newHarness(t *testing.T, calendars ...string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := watchstore.New(client)
	sub := &fakeSubscriber{createErr: map[string]error{}}
	feed := activity.NewFeed(client)
	m := New(store, sub, feed, Config{
		Calendars:   calendars,
		CallbackURL: "https://ooo.example.com/calendar/webhook/notification",
		TTL:         7 * 24 * time.Hour,
		Margin:      10 * time.Minute,
	}, zerolog.Nop())
	return &harness{manager: m, store: store, sub: sub, feed: feed}
}

func seed(t *testing.T, store *watchstore.Store, calendarID, channelID string, expiry time.Time) {
	t.Helper()
	require.NoError(t, store.SwapSubscription(context.Background(), calendarID, "", model.Subscription{
		ChannelID:  channelID,
		ResourceID: "res-" + channelID,
		Secret:     "old-secret",
		Expiry:     expiry,
	}))
}

func TestEnsureFreshCreatesMissingSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.manager.EnsureFresh(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, res.Renewed)
	assert.Equal(t, "ch-1", res.ChannelID)

	stored, err := h.store.GetSubscription(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "ch-1", stored.ChannelID)
	assert.Len(t, stored.Secret, 43, "32 bytes, unpadded base64url")
	assert.Empty(t, h.sub.deleted)

	owner, err := h.store.CalendarForChannel(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", owner)
}

func TestEnsureFreshLeavesLiveSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h.store, "alice@example.com", "ch-live", time.Now().Add(2*time.Hour))

	res, err := h.manager.EnsureFresh(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, res.Renewed)
	assert.Equal(t, "ch-live", res.ChannelID)
	assert.Empty(t, h.sub.created)
}

func TestEnsureFreshRenewsWithinMargin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed(t, h.store, "alice@example.com", "ch-old", time.Now().Add(5*time.Minute))

	res, err := h.manager.EnsureFresh(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, res.Renewed)
	assert.Equal(t, "ch-1", res.ChannelID)
	assert.Equal(t, []string{"ch-old"}, h.sub.deleted)

	stored, err := h.store.GetSubscription(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", stored.ChannelID)
	assert.NotEqual(t, "old-secret", stored.Secret)

	owner, err := h.store.CalendarForChannel(ctx, "ch-old")
	require.NoError(t, err)
	assert.Empty(t, owner)

	entries, err := h.feed.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.KindRenewed, entries[0].Kind)
}

func TestTeardownFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sub.deleteErr = errors.New("provider unavailable")
	seed(t, h.store, "alice@example.com", "ch-old", time.Now().Add(time.Minute))

	res, err := h.manager.EnsureFresh(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, res.Renewed)
}

func TestForceRenewReplacesLiveSubscription(t *testing.T) {
	h := newHarness(t)
	seed(t, h.store, "alice@example.com", "ch-live", time.Now().Add(48*time.Hour))

	res, err := h.manager.ForceRenew(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, res.Renewed)
	assert.Equal(t, []string{"ch-live"}, h.sub.deleted)
}

// racingStore lets a competing writer install its subscription just before our swap.
type racingStore struct {
	*watchstore.Store
	winner model.Subscription
	once   sync.Once
}

func (s *racingStore) SwapSubscription(ctx context.Context, calendarID, expected string, next model.Subscription) error {
	s.once.Do(func() {
		_ = s.Store.SwapSubscription(ctx, calendarID, expected, s.winner)
	})
	return s.Store.SwapSubscription(ctx, calendarID, expected, next)
}

func TestConcurrentRenewalLoserDefersToFreshWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	racing := &racingStore{Store: h.store, winner: model.Subscription{
		ChannelID: "ch-winner",
		Secret:    "winner-secret",
		Expiry:    time.Now().Add(7 * 24 * time.Hour),
	}}
	h.manager.store = racing

	res, err := h.manager.EnsureFresh(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, res.Renewed)
	assert.Equal(t, "ch-winner", res.ChannelID)
	assert.Equal(t, []string{"ch-1"}, h.sub.deleted, "loser must stop the channel it created")

	stored, err := h.store.GetSubscription(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ch-winner", stored.ChannelID)
}

func TestConcurrentRenewalWithStaleWinnerFails(t *testing.T) {
	h := newHarness(t)
	h.manager.store = &racingStore{Store: h.store, winner: model.Subscription{
		ChannelID: "ch-stale",
		Expiry:    time.Now().Add(time.Minute),
	}}

	_, err := h.manager.EnsureFresh(context.Background(), "alice@example.com")
	assert.ErrorIs(t, err, syncerr.ErrSubscriptionRenewal)
}

func TestRunTickIsolatesFailures(t *testing.T) {
	h := newHarness(t, "alice@example.com", "broken@example.com", "bob@example.com")
	ctx := context.Background()
	h.sub.createErr["broken@example.com"] = syncerr.New(syncerr.KindUnauthorized, "watch", "broken@example.com", errors.New("403"))

	outcomes := h.manager.RunTick(ctx)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Renewed)
	assert.NotEmpty(t, outcomes[1].Error)
	assert.True(t, outcomes[2].Renewed)

	health, err := h.store.GetHealth(ctx, "broken@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionDegraded, health.SubscriptionState)
	assert.Equal(t, 1, health.RenewalFailures)

	// Next tick retries; the still-broken calendar accumulates failures.
	h.manager.RunTick(ctx)
	health, err = h.store.GetHealth(ctx, "broken@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, health.RenewalFailures)

	// Once the provider recovers the calendar is active again.
	delete(h.sub.createErr, "broken@example.com")
	h.manager.RunTick(ctx)
	health, err = h.store.GetHealth(ctx, "broken@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, health.SubscriptionState)

	alice, err := h.store.GetHealth(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, alice.SubscriptionState)
}

func TestTeardown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.Teardown(ctx, "alice@example.com"))
	assert.Empty(t, h.sub.deleted)

	seed(t, h.store, "alice@example.com", "ch-1", time.Now().Add(time.Hour))
	require.NoError(t, h.manager.Teardown(ctx, "alice@example.com"))
	assert.Equal(t, []string{"ch-1"}, h.sub.deleted)

	stored, err := h.store.GetSubscription(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Nil(t, stored)
	owner, err := h.store.CalendarForChannel(ctx, "ch-1")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
