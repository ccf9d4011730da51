package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooo-mirror/model"
	"ooo-mirror/resolver"
	"ooo-mirror/subscription"
	"ooo-mirror/watchstore"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (t *recordingTrigger) Trigger(calendarID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, calendarID)
	return true
}

func (t *recordingTrigger) triggered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type stubRenewer struct {
	outcomes []subscription.TickOutcome
	calls    int
}

func (s *stubRenewer) RunTick(context.Context) []subscription.TickOutcome {
	s.calls++
	return s.outcomes
}

type webhookFixture struct {
	store   *watchstore.Store
	trigger *recordingTrigger
	renewer *stubRenewer
	router  *mux.Router
}

func newWebhookFixture(t *testing.T, renewToken string) *webhookFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &webhookFixture{
		store:   watchstore.New(client),
		trigger: &recordingTrigger{},
		renewer: &stubRenewer{},
	}
	h := NewCalendarWebhookHandler(CalendarWebhookOptions{
		Resolver:   resolver.New(f.store, zerolog.Nop()),
		Trigger:    f.trigger,
		Renewer:    f.renewer,
		Health:     f.store,
		Calendars:  []string{"alice@example.com", "bob@example.com"},
		RenewToken: renewToken,
		Logger:     zerolog.Nop(),
	})
	f.router = mux.NewRouter()
	h.RegisterRoutes(f.router)

	err := f.store.SwapSubscription(context.Background(), "alice@example.com", "", model.Subscription{
		ChannelID:  "ch-alice",
		ResourceID: "res-alice",
		Secret:     "s3cret",
		Expiry:     time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return f
}

func (f *webhookFixture) notify(headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/calendar/webhook/notification", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func goodHeaders(state string) map[string]string {
	return map[string]string{
		"X-Goog-Channel-ID":     "ch-alice",
		"X-Goog-Channel-Token":  "s3cret",
		"X-Goog-Resource-ID":    "res-alice",
		"X-Goog-Resource-State": state,
		"X-Goog-Message-Number": "7",
	}
}

func TestWebhookNotification(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		wantStatus  int
		wantTrigger []string
	}{
		{
			name:        "exists triggers sync",
			headers:     goodHeaders("exists"),
			wantStatus:  http.StatusOK,
			wantTrigger: []string{"alice@example.com"},
		},
		{
			name:        "not_exists triggers sync",
			headers:     goodHeaders("not_exists"),
			wantStatus:  http.StatusOK,
			wantTrigger: []string{"alice@example.com"},
		},
		{
			name:       "sync handshake is acknowledged only",
			headers:    goodHeaders("sync"),
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing headers",
			headers:    map[string]string{"X-Goog-Channel-Token": "s3cret"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "wrong token",
			headers: map[string]string{
				"X-Goog-Channel-ID":     "ch-alice",
				"X-Goog-Channel-Token":  "guess",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing token",
			headers: map[string]string{
				"X-Goog-Channel-ID":     "ch-alice",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "unknown channel",
			headers: map[string]string{
				"X-Goog-Channel-ID":     "ch-nobody",
				"X-Goog-Channel-Token":  "whatever",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unexpected state",
			headers:    goodHeaders("bogus"),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, "")
			rr := f.notify(tt.headers)
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantTrigger == nil {
				assert.Empty(t, f.trigger.triggered())
			} else {
				assert.Equal(t, tt.wantTrigger, f.trigger.triggered())
			}
		})
	}
}

func TestWebhookNotificationOnRetiredChannel(t *testing.T) {
	f := newWebhookFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.SwapSubscription(ctx, "alice@example.com", "ch-alice", model.Subscription{
		ChannelID:  "ch-alice-2",
		ResourceID: "res-alice",
		Secret:     "n3w",
		Expiry:     time.Now().Add(24 * time.Hour),
	}))

	rr := f.notify(goodHeaders("exists"))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.trigger.triggered())
}

func TestWebhookRenew(t *testing.T) {
	t.Run("disabled without token", func(t *testing.T) {
		f := newWebhookFixture(t, "")
		req := httptest.NewRequest(http.MethodPost, "/calendar/webhook/renew", nil)
		req.Header.Set("Authorization", "Bearer anything")
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Zero(t, f.renewer.calls)
	})

	t.Run("wrong bearer", func(t *testing.T) {
		f := newWebhookFixture(t, "tick-token")
		req := httptest.NewRequest(http.MethodPost, "/calendar/webhook/renew", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Zero(t, f.renewer.calls)
	})

	t.Run("runs tick", func(t *testing.T) {
		f := newWebhookFixture(t, "tick-token")
		f.renewer.outcomes = []subscription.TickOutcome{
			{CalendarID: "alice@example.com", Renewed: true, ChannelID: "ch-2"},
			{CalendarID: "bob@example.com", Error: "watch refused"},
		}
		req := httptest.NewRequest(http.MethodPost, "/calendar/webhook/renew", nil)
		req.Header.Set("Authorization", "Bearer tick-token")
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, f.renewer.calls)

		var resp renewResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Len(t, resp.Outcomes, 2)
		assert.Equal(t, 1, resp.Failed)
	})
}

func TestWebhookStatus(t *testing.T) {
	f := newWebhookFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/calendar/webhook/status", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Calendars, 2)
	assert.Equal(t, "alice@example.com", resp.Calendars[0].CalendarID)
	assert.Equal(t, model.SubscriptionActive, resp.Calendars[0].SubscriptionState)
	assert.Equal(t, "ch-alice", resp.Calendars[0].ChannelID)
	assert.Equal(t, model.SubscriptionMissing, resp.Calendars[1].SubscriptionState)

	req = httptest.NewRequest(http.MethodGet, "/calendar/webhook/status?calendar=carol@example.com", nil)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBearerMatches(t *testing.T) {
	assert.True(t, bearerMatches("Bearer abc", "abc"))
	assert.False(t, bearerMatches("Bearer abd", "abc"))
	assert.False(t, bearerMatches("abc", "abc"))
	assert.False(t, bearerMatches("", "abc"))
}
