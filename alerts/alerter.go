// Package alerts warns a Slack channel when more watched people are out on one day than
// the team can absorb.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ooo-mirror/classifier"
	"ooo-mirror/model"
	"ooo-mirror/provider"
)

type Notifier interface {
	Post(ctx context.Context, text string) error
}

type Options struct {
	// Calendars are the people counted for each day.
	Calendars  []string
	Threshold  int
	Marker     string
	Mentions   string
	CCMentions string
	Labels     map[string]string
	Worksheet  string
	Location   *time.Location
	Logger     zerolog.Logger
}

// DayResult is the outcome of checking one day.
type DayResult struct {
	Day       string   `json:"day"`
	Count     int      `json:"count"`
	PeopleOff []string `json:"people_off,omitempty"`
	Sent      bool     `json:"sent"`
	Deduped   bool     `json:"deduped,omitempty"`
}

type Alerter struct {
	lister   provider.WindowLister
	store    *Store
	notifier Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func New(lister provider.WindowLister, store *Store, notifier Notifier, opts Options) *Alerter {
	if strings.TrimSpace(opts.Marker) == "" {
		opts.Marker = classifier.DefaultMarker
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Alerter{
		lister:   lister,
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "alerts").Logger(),
		now:      time.Now,
	}
}

// CheckBatch checks every day touched by an absence in events, once per day in date
// order. Events already delivered still count: an edit can push a day over the
// threshold. A failing day does not stop the others; their errors are joined.
func (a *Alerter) CheckBatch(ctx context.Context, calendarID string, events []model.CandidateEvent) ([]DayResult, error) {
	touched := make(map[string]string)
	for _, ev := range events {
		if !classifier.Qualifies(ev, a.opts.Marker) {
			continue
		}
		member := Label(calendarID, ev.Title, a.opts.Marker, a.opts.Labels)
		for _, day := range ActiveDays(ev, a.opts.Location, a.now()) {
			touched[day] = member
		}
	}

	days := make([]string, 0, len(touched))
	for day := range touched {
		days = append(days, day)
	}
	sort.Strings(days)

	results := make([]DayResult, 0, len(days))
	var errs []error
	for _, day := range days {
		res, err := a.checkDay(ctx, day, touched[day])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (a *Alerter) checkDay(ctx context.Context, day, lastMember string) (DayResult, error) {
	people, err := a.peopleOff(ctx, day)
	if err != nil {
		return DayResult{Day: day}, err
	}
	res := DayResult{Day: day, Count: len(people), PeopleOff: people}
	if res.Count <= a.opts.Threshold {
		return res, nil
	}

	claimed, previous, err := a.store.Claim(ctx, Claim{
		Day:        day,
		Count:      res.Count,
		Threshold:  a.opts.Threshold,
		LastMember: lastMember,
		PeopleOff:  people,
	})
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Deduped = true
		return res, nil
	}

	if err := a.notifier.Post(ctx, a.message(day, lastMember, people)); err != nil {
		if rerr := a.store.Release(context.WithoutCancel(ctx), day, res.Count, previous); rerr != nil {
			a.logger.Warn().Err(rerr).Str("day", day).Msg("failed to release alert claim")
		}
		return res, fmt.Errorf("alert for %s: %w", day, err)
	}
	res.Sent = true
	a.logger.Info().
		Str("day", day).
		Int("count", res.Count).
		Str("last_member", lastMember).
		Msg("absence overlap alert sent")
	return res, nil
}

// peopleOff returns the sorted labels of watched people with an absence on day. A
// calendar that cannot be listed is skipped.
func (a *Alerter) peopleOff(ctx context.Context, day string) ([]string, error) {
	from, err := time.ParseInLocation(dayLayout, day, a.opts.Location)
	if err != nil {
		return nil, fmt.Errorf("parse day %q: %w", day, err)
	}
	to := from.AddDate(0, 0, 1)

	seen := make(map[string]struct{})
	for _, calendarID := range a.opts.Calendars {
		events, err := a.lister.ListWindow(ctx, calendarID, from, to)
		if err != nil {
			a.logger.Warn().Err(err).Str("calendar", calendarID).Str("day", day).Msg("failed to list absences")
			continue
		}
		for _, ev := range events {
			if classifier.Qualifies(ev, a.opts.Marker) {
				seen[Label(calendarID, ev.Title, a.opts.Marker, a.opts.Labels)] = struct{}{}
				break
			}
		}
	}

	people := make([]string, 0, len(seen))
	for label := range seen {
		people = append(people, label)
	}
	sort.Strings(people)
	return people, nil
}

func (a *Alerter) message(day, lastMember string, people []string) string {
	weekday := day
	if t, err := time.Parse(dayLayout, day); err == nil {
		weekday = t.Weekday().String()
	}

	header := []string{":rotating_light:"}
	if a.opts.Mentions != "" {
		header = append(header, a.opts.Mentions)
	}
	header = append(header, "TIME-OFF CONFLICT ALERT:")

	lines := []string{
		strings.Join(header, " "),
		fmt.Sprintf("Threshold: %d maximum off", a.opts.Threshold),
		"Last Member Edited: " + lastMember,
		"Sheet: " + a.opts.Worksheet,
		fmt.Sprintf("Date: %s (%s)", day, weekday),
		fmt.Sprintf("Conflict Count: %d people off (Limit: %d)", len(people), a.opts.Threshold),
		"Day/Event: " + weekday,
		"People Off: " + strings.Join(people, ", "),
	}
	if a.opts.CCMentions != "" {
		lines = append(lines, "CC: "+a.opts.CCMentions)
	}
	return strings.Join(lines, "\n")
}
