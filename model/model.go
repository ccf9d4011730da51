package model

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WatchedCalendar is a monitored calendar identity, fixed for the lifetime of a run.
type WatchedCalendar struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// UnmarshalYAML accepts either a bare identity or a mapping; entries are enabled unless
// they say otherwise.
func (w *WatchedCalendar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		w.ID = strings.TrimSpace(node.Value)
		w.Enabled = true
		return nil
	}
	var raw struct {
		ID      string `yaml:"id"`
		Enabled *bool  `yaml:"enabled"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	w.ID = strings.TrimSpace(raw.ID)
	w.Enabled = raw.Enabled == nil || *raw.Enabled
	return nil
}

// Subscription is a provider push channel registered for one calendar.
type Subscription struct {
	CalendarID  string    `json:"calendar_id"`
	ChannelID   string    `json:"channel_id"`
	ResourceID  string    `json:"resource_id"`
	Secret      string    `json:"-"`
	CallbackURL string    `json:"callback_url"`
	Expiry      time.Time `json:"expiry"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExpiresWithin reports whether the lease ends within d of now.
func (s *Subscription) ExpiresWithin(d time.Duration, now time.Time) bool {
	if s == nil || s.Expiry.IsZero() {
		return true
	}
	return s.Expiry.Sub(now) <= d
}

// SyncCursor is the last committed continuation token for a calendar.
// An empty Token means the next pass is a full resync.
type SyncCursor struct {
	CalendarID string    `json:"calendar_id"`
	Token      string    `json:"token"`
	AdvancedAt time.Time `json:"advanced_at"`
}

func (c SyncCursor) Empty() bool {
	return c.Token == ""
}

// CandidateEvent is one change record returned by a delta fetch.
type CandidateEvent struct {
	ID          string    `json:"id"`
	CalendarID  string    `json:"calendar_id"`
	Title       string    `json:"title"`
	Start       string    `json:"start"`
	End         string    `json:"end"`
	AllDay      bool      `json:"all_day"`
	Organizer   string    `json:"organizer"`
	Attendees   []string  `json:"attendees"`
	Description string    `json:"description"`
	Link        string    `json:"link"`
	Deleted     bool      `json:"deleted"`
	Updated     time.Time `json:"updated"`
}

// DeliverableRow is a projected sink row. Column order is fixed by Values.
type DeliverableRow struct {
	CalendarID  string
	EventID     string
	Title       string
	Start       string
	End         string
	Organizer   string
	Attendees   string
	Description string
	Link        string
}

// Columns names the sink columns in the order Values emits them.
var Columns = []string{
	"calendar",
	"event_id",
	"title",
	"start",
	"end",
	"organizer",
	"attendees",
	"description",
	"link",
}

func (r DeliverableRow) Values() []string {
	return []string{
		r.CalendarID,
		r.EventID,
		r.Title,
		r.Start,
		r.End,
		r.Organizer,
		r.Attendees,
		r.Description,
		r.Link,
	}
}

// DeliveredEventRecord is a ledger entry proving a row was appended.
type DeliveredEventRecord struct {
	CalendarID  string    `json:"calendar_id"`
	EventID     string    `json:"event_id"`
	Title       string    `json:"title"`
	Start       string    `json:"start"`
	End         string    `json:"end"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// RecordFor builds the ledger entry for a delivered row.
func RecordFor(row DeliverableRow, at time.Time) DeliveredEventRecord {
	return DeliveredEventRecord{
		CalendarID:  row.CalendarID,
		EventID:     row.EventID,
		Title:       row.Title,
		Start:       row.Start,
		End:         row.End,
		DeliveredAt: at.UTC(),
	}
}

type SubscriptionState string

const (
	SubscriptionActive   SubscriptionState = "active"
	SubscriptionDegraded SubscriptionState = "degraded"
	SubscriptionMissing  SubscriptionState = "missing"
)

// CalendarHealth is the operator-facing view of one calendar.
type CalendarHealth struct {
	CalendarID          string            `json:"calendar_id"`
	SubscriptionState   SubscriptionState `json:"subscription_state"`
	ChannelID           string            `json:"channel_id,omitempty"`
	Expiry              time.Time         `json:"expiry,omitempty"`
	LastSyncAt          time.Time         `json:"last_sync_at,omitempty"`
	LastRenewalAt       time.Time         `json:"last_renewal_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	RenewalFailures     int               `json:"renewal_failures"`
	LastError           string            `json:"last_error,omitempty"`
}

// ParseCalendarList splits a comma separated list, trimming and dropping duplicates
// while keeping the first-seen order.
func ParseCalendarList(raw string) []WatchedCalendar {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]WatchedCalendar, 0, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, WatchedCalendar{ID: id, Enabled: true})
	}
	return out
}
