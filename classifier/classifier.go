// Package classifier picks the out-of-office events out of a delta batch and projects
// the ones not yet delivered into sink rows.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"ooo-mirror/ledger"
	"ooo-mirror/model"
)

const (
	DefaultMarker           = "OOO"
	DefaultDescriptionLimit = 5000
)

// Qualifies reports whether ev is a live event whose title starts with marker,
// ignoring case and leading whitespace.
func Qualifies(ev model.CandidateEvent, marker string) bool {
	if ev.Deleted {
		return false
	}
	title := strings.TrimLeftFunc(ev.Title, unicode.IsSpace)
	return strings.HasPrefix(strings.ToLower(title), strings.ToLower(marker))
}

// Classifier filters, deduplicates and projects candidate events.
type Classifier struct {
	ledger           ledger.Ledger
	marker           string
	descriptionLimit int
	now              func() time.Time
}

// New builds a classifier. Empty marker and non-positive limit take the defaults.
func New(l ledger.Ledger, marker string, descriptionLimit int) *Classifier {
	if strings.TrimSpace(marker) == "" {
		marker = DefaultMarker
	}
	if descriptionLimit <= 0 {
		descriptionLimit = DefaultDescriptionLimit
	}
	return &Classifier{
		ledger:           l,
		marker:           marker,
		descriptionLimit: descriptionLimit,
		now:              time.Now,
	}
}

// Process returns the rows to append for a batch, in first-seen order. When an event id
// repeats, the last record wins, so a trailing tombstone drops the event.
func (c *Classifier) Process(ctx context.Context, events []model.CandidateEvent) ([]model.DeliverableRow, error) {
	latest := make(map[string]model.CandidateEvent, len(events))
	order := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := latest[ev.ID]; !ok {
			order = append(order, ev.ID)
		}
		latest[ev.ID] = ev
	}

	rows := make([]model.DeliverableRow, 0, len(order))
	for _, id := range order {
		ev := latest[id]
		if !Qualifies(ev, c.marker) {
			continue
		}
		seen, err := c.ledger.Seen(ctx, ev.CalendarID, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", ev.ID, err)
		}
		if seen {
			continue
		}
		rows = append(rows, c.project(ev))
	}
	return rows, nil
}

// Commit records that row reached the sink. Call only after the sink confirmed it.
func (c *Classifier) Commit(ctx context.Context, row model.DeliverableRow) error {
	if _, err := c.ledger.Record(ctx, model.RecordFor(row, c.now())); err != nil {
		return err
	}
	return nil
}

func (c *Classifier) project(ev model.CandidateEvent) model.DeliverableRow {
	return model.DeliverableRow{
		CalendarID:  ev.CalendarID,
		EventID:     ev.ID,
		Title:       ev.Title,
		Start:       ev.Start,
		End:         ev.End,
		Organizer:   ev.Organizer,
		Attendees:   strings.Join(ev.Attendees, ", "),
		Description: truncateRunes(ev.Description, c.descriptionLimit),
		Link:        ev.Link,
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
