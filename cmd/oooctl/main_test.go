package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"ooo-mirror/app"
	"ooo-mirror/config"
	"ooo-mirror/model"
	"ooo-mirror/provider"
	"ooo-mirror/sink"
)

type noCredentials struct{}

func (noCredentials) GoogleClient(context.Context, string, []string) (*http.Client, error) {
	return http.DefaultClient, nil
}

func (noCredentials) SubjectFor(calendarID string) string { return calendarID }

type memorySink struct {
	mu   sync.Mutex
	rows []model.DeliverableRow
}

func (s *memorySink) AppendRow(_ context.Context, _ sink.Target, row model.DeliverableRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

type fakeCalendarAPI struct {
	mu      sync.Mutex
	watches int
	stops   int
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/events/watch"):
		f.watches++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceId": "res-" + strconv.Itoa(f.watches),
			"expiration": strconv.FormatInt(time.Now().Add(7*24*time.Hour).UnixMilli(), 10),
		})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/channels/stop"):
		f.stops++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":      "evt-1",
					"status":  "confirmed",
					"summary": "OOO: hiking",
					"start":   map[string]any{"date": "2026-10-20"},
					"end":     map[string]any{"date": "2026-10-23"},
				},
				{
					"id":      "evt-2",
					"status":  "confirmed",
					"summary": "Standup",
					"start":   map[string]any{"dateTime": "2026-10-20T09:00:00Z"},
					"end":     map[string]any{"dateTime": "2026-10-20T09:15:00Z"},
				},
			},
			"nextSyncToken": "sync-1",
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type cliFixture struct {
	api   *fakeCalendarAPI
	sink  *memorySink
	build buildFunc
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	api := &fakeCalendarAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	f := &cliFixture{api: api, sink: &memorySink{}}
	f.build = func(ctx context.Context, logger zerolog.Logger) (*app.Services, error) {
		cfg := config.Default()
		cfg.Calendars = model.ParseCalendarList("alice@example.com,bob@example.com")
		cfg.CallbackURL = "https://ooo.example.com/calendar/webhook/notification"
		cfg.SheetID = "sheet-1"
		cfg.RedisURL = mr.Addr()

		cal := provider.NewGoogle(nil, provider.GoogleOptions{
			RequestTimeout: 5 * time.Second,
			ClientOptions: []option.ClientOption{
				option.WithEndpoint(srv.URL + "/"),
				option.WithHTTPClient(srv.Client()),
			},
			Logger: logger,
		})
		return app.Build(ctx, cfg, logger, app.Overrides{
			Credentials: noCredentials{},
			Calendar:    cal,
			Sink:        f.sink,
		})
	}
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	err := newApp(f.build, &out, &logs).Run(append([]string{"oooctl"}, args...))
	return out.String(), err
}

func TestRegisterStatusUnregister(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "register")
	require.NoError(t, err)
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "bob@example.com")
	assert.Equal(t, 2, strings.Count(out, "renewed"))

	out, err = f.run(t, "register", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "fresh")
	assert.Equal(t, 2, f.api.watches)

	out, err = f.run(t, "register", "--force", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "renewed")
	assert.Equal(t, 3, f.api.watches)
	assert.Equal(t, 1, f.api.stops)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, string(model.SubscriptionActive)))

	out, err = f.run(t, "unregister", "bob@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "subscription removed for bob@example.com")
	assert.Equal(t, 2, f.api.stops)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, string(model.SubscriptionMissing))
}

func TestRegisterRejectsUnknownCalendar(t *testing.T) {
	f := newCLIFixture(t)
	_, err := f.run(t, "register", "carol@example.com")
	require.Error(t, err)
	assert.Zero(t, f.api.watches)
}

func TestSyncAndResetCursor(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "sync", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "events=2 rows=1 delivered=1 full_resync=true cursor_advanced=true")
	require.Len(t, f.sink.rows, 1)
	assert.Equal(t, "evt-1", f.sink.rows[0].EventID)

	out, err = f.run(t, "reset-cursor", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "cursor cleared")

	// The replayed window is already ledgered.
	out, err = f.run(t, "sync", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "rows=0 delivered=0")
	assert.Len(t, f.sink.rows, 1)

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "DELIVERED")
	assert.Regexp(t, `alice@example\.com\s+missing\s+-\s+-\s+\S+\s+1\s+0\s+-`, out)

	_, err = f.run(t, "sync")
	require.Error(t, err)
	_, err = f.run(t, "reset-cursor", "nobody@example.com")
	require.Error(t, err)
}
