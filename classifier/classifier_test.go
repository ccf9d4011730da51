package classifier

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ooo-mirror/ledger"
	"ooo-mirror/model"
)

func newTestClassifier(t *testing.T, limit int) (*Classifier, *ledger.RedisLedger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := ledger.NewRedis(client)
	return New(l, "", limit), l
}

func candidate(id, title string) model.CandidateEvent {
	return model.CandidateEvent{
		ID:         id,
		CalendarID: "alice@example.com",
		Title:      title,
		Start:      "2026-10-20T09:00:00Z",
		End:        "2026-10-20T17:00:00Z",
		Organizer:  "alice@example.com",
		Link:       "https://calendar.google.com/event?eid=" + id,
	}
}

func TestQualifies(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		deleted bool
		want    bool
	}{
		{"upper", "OOO - vacation", false, true},
		{"lower", "ooo: dentist", false, true},
		{"mixed", "Ooo family", false, true},
		{"leading whitespace", "   OOO trip", false, true},
		{"marker mid title", "Standup (OOO after)", false, false},
		{"other title", "Weekly sync", false, false},
		{"empty", "", false, false},
		{"deleted", "OOO - vacation", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := candidate("evt", tt.title)
			ev.Deleted = tt.deleted
			assert.Equal(t, tt.want, Qualifies(ev, "OOO"))
		})
	}
}

func TestProcessFiltersAndProjects(t *testing.T) {
	c, _ := newTestClassifier(t, 0)

	ev := candidate("evt-1", "OOO - offsite")
	ev.Attendees = []string{"carol@example.com", "bob@example.com"}
	ev.Description = "Team offsite"

	rows, err := c.Process(context.Background(), []model.CandidateEvent{
		ev,
		candidate("evt-2", "Planning"),
		candidate("evt-3", "ooo dentist"),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, model.DeliverableRow{
		CalendarID:  "alice@example.com",
		EventID:     "evt-1",
		Title:       "OOO - offsite",
		Start:       "2026-10-20T09:00:00Z",
		End:         "2026-10-20T17:00:00Z",
		Organizer:   "alice@example.com",
		Attendees:   "carol@example.com, bob@example.com",
		Description: "Team offsite",
		Link:        "https://calendar.google.com/event?eid=evt-1",
	}, rows[0])
	assert.Equal(t, "evt-3", rows[1].EventID)
}

func TestProcessSkipsLedgeredEvents(t *testing.T) {
	c, _ := newTestClassifier(t, 0)
	ctx := context.Background()
	batch := []model.CandidateEvent{candidate("evt-1", "OOO a"), candidate("evt-2", "OOO b")}

	rows, err := c.Process(ctx, batch)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, c.Commit(ctx, rows[0]))

	rows, err = c.Process(ctx, batch)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-2", rows[0].EventID)

	require.NoError(t, c.Commit(ctx, rows[0]))
	require.NoError(t, c.Commit(ctx, rows[0]), "committing twice is harmless")

	rows, err = c.Process(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessCollapsesRepeatedEvents(t *testing.T) {
	c, _ := newTestClassifier(t, 0)

	renamed := candidate("evt-1", "OOO - updated")
	tombstone := candidate("evt-2", "")
	tombstone.Deleted = true

	rows, err := c.Process(context.Background(), []model.CandidateEvent{
		candidate("evt-1", "OOO - draft"),
		candidate("evt-2", "OOO - cancelled later"),
		renamed,
		tombstone,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "evt-1", rows[0].EventID)
	assert.Equal(t, "OOO - updated", rows[0].Title)
}

func TestDescriptionTruncatedByRunes(t *testing.T) {
	c, _ := newTestClassifier(t, 5)

	ev := candidate("evt-1", "OOO")
	ev.Description = "héllo wörld"
	rows, err := c.Process(context.Background(), []model.CandidateEvent{ev})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "héllo", rows[0].Description)

	assert.Equal(t, strings.Repeat("x", 3), truncateRunes("xxx", 10))
	assert.Equal(t, DefaultDescriptionLimit, New(nil, "", 0).descriptionLimit)
}
