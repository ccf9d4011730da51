package provider

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"ooo-mirror/model"
	"ooo-mirror/security"
	"ooo-mirror/syncerr"
)

const (
	pageSize        = 250
	defaultLookback = 30 * 24 * time.Hour
)

// GoogleOptions tunes the Google Calendar adapter.
type GoogleOptions struct {
	Lookback       time.Duration
	RequestTimeout time.Duration
	// ClientOptions are appended to every service construction (endpoint overrides).
	ClientOptions  []option.ClientOption
	Logger         zerolog.Logger
}

// GoogleCalendar implements Calendar on the Google Calendar v3 API.
type GoogleCalendar struct {
	creds  security.CredentialProvider
	opts   GoogleOptions
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	services map[string]*calendar.Service
}

// NewGoogle builds the adapter. A nil creds uses ClientOptions alone.
func NewGoogle(creds security.CredentialProvider, opts GoogleOptions) *GoogleCalendar {
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	return &GoogleCalendar{
		creds:    creds,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "google-calendar").Logger(),
		now:      time.Now,
		services: make(map[string]*calendar.Service),
	}
}

func (g *GoogleCalendar) service(ctx context.Context, calendarID string) (*calendar.Service, error) {
	subject := ""
	if g.creds != nil {
		subject = g.creds.SubjectFor(calendarID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if svc, ok := g.services[subject]; ok {
		return svc, nil
	}

	opts := append([]option.ClientOption{}, g.opts.ClientOptions...)
	if g.creds != nil {
		client, err := g.creds.GoogleClient(ctx, subject, security.CalendarScopes)
		if err != nil {
			return nil, syncerr.New(syncerr.KindConfiguration, "calendar client", calendarID, err)
		}
		opts = append(opts, option.WithHTTPClient(client))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "calendar client", calendarID, err)
	}
	g.services[subject] = svc
	return svc, nil
}

func (g *GoogleCalendar) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.RequestTimeout)
}

// CreateSubscription opens a new push channel on the calendar's events collection.
func (g *GoogleCalendar) CreateSubscription(ctx context.Context, calendarID, callbackURL, secret string, ttl time.Duration) (model.Subscription, error) {
	svc, err := g.service(ctx, calendarID)
	if err != nil {
		return model.Subscription{}, err
	}

	channel := &calendar.Channel{
		Id:      uuid.New().String(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   secret,
	}
	if ttl > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(int64(ttl/time.Second), 10)}
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := svc.Events.Watch(calendarID, channel).Context(callCtx).Do()
	if err != nil {
		return model.Subscription{}, syncerr.FromGoogle("watch", calendarID, err)
	}

	now := g.now()
	expiry := now.Add(ttl)
	if resp.Expiration > 0 {
		// Google reports milliseconds.
		expiry = time.UnixMilli(resp.Expiration)
	}
	channelID := resp.Id
	if channelID == "" {
		channelID = channel.Id
	}

	g.logger.Info().
		Str("calendar", calendarID).
		Str("channel_id", channelID).
		Str("resource_id", resp.ResourceId).
		Time("expiry", expiry).
		Msg("watch channel created")

	return model.Subscription{
		CalendarID:  calendarID,
		ChannelID:   channelID,
		ResourceID:  resp.ResourceId,
		Secret:      secret,
		CallbackURL: callbackURL,
		Expiry:      expiry,
		CreatedAt:   now,
	}, nil
}

// DeleteSubscription stops a channel. A channel the provider no longer knows counts
// as stopped.
func (g *GoogleCalendar) DeleteSubscription(ctx context.Context, sub model.Subscription) error {
	svc, err := g.service(ctx, sub.CalendarID)
	if err != nil {
		return err
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	err = svc.Channels.Stop(&calendar.Channel{Id: sub.ChannelID, ResourceId: sub.ResourceID}).Context(callCtx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			g.logger.Debug().Str("calendar", sub.CalendarID).Str("channel_id", sub.ChannelID).Msg("channel already gone")
			return nil
		}
		return syncerr.FromGoogle("stop", sub.CalendarID, err)
	}
	return nil
}

// FetchDelta lists one page of changes. HTTP 410 is reported as Invalidated rather than
// an error so the sync engine can fall back to a full resync.
func (g *GoogleCalendar) FetchDelta(ctx context.Context, calendarID, syncToken, pageToken string) (DeltaPage, error) {
	svc, err := g.service(ctx, calendarID)
	if err != nil {
		return DeltaPage{}, err
	}

	call := svc.Events.List(calendarID).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(pageSize)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	} else {
		call = call.TimeMin(g.now().Add(-g.opts.Lookback).Format(time.RFC3339))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := call.Context(callCtx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
			return DeltaPage{Invalidated: true}, nil
		}
		return DeltaPage{}, syncerr.FromGoogle("list events", calendarID, err)
	}

	page := DeltaPage{
		Events:        make([]model.CandidateEvent, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, ev := range resp.Items {
		if ev == nil || ev.Id == "" {
			continue
		}
		page.Events = append(page.Events, toCandidate(calendarID, ev))
	}
	return page, nil
}

// ListWindow lists one calendar's live events overlapping [from, to). Only the first
// page is read; a single day never holds more than pageSize absences worth counting.
func (g *GoogleCalendar) ListWindow(ctx context.Context, calendarID string, from, to time.Time) ([]model.CandidateEvent, error) {
	svc, err := g.service(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := g.callContext(ctx)
	defer cancel()
	resp, err := svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		OrderBy("startTime").
		MaxResults(pageSize).
		Context(callCtx).
		Do()
	if err != nil {
		return nil, syncerr.FromGoogle("list window", calendarID, err)
	}

	events := make([]model.CandidateEvent, 0, len(resp.Items))
	for _, ev := range resp.Items {
		if ev == nil || ev.Id == "" {
			continue
		}
		events = append(events, toCandidate(calendarID, ev))
	}
	return events, nil
}

func toCandidate(calendarID string, ev *calendar.Event) model.CandidateEvent {
	start, allDay := formatEventDateTime(ev.Start)
	end, _ := formatEventDateTime(ev.End)

	organizer := ""
	if ev.Organizer != nil {
		organizer = ev.Organizer.Email
		if organizer == "" {
			organizer = ev.Organizer.DisplayName
		}
	}

	attendees := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		if a == nil || a.Email == "" {
			continue
		}
		attendees = append(attendees, a.Email)
	}

	var updated time.Time
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			updated = t
		}
	}

	return model.CandidateEvent{
		ID:          ev.Id,
		CalendarID:  calendarID,
		Title:       ev.Summary,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Organizer:   organizer,
		Attendees:   attendees,
		Description: ev.Description,
		Link:        ev.HtmlLink,
		Deleted:     ev.Status == "cancelled",
		Updated:     updated,
	}
}

func formatEventDateTime(dt *calendar.EventDateTime) (string, bool) {
	if dt == nil {
		return "", false
	}
	if dt.DateTime != "" {
		return dt.DateTime, false
	}
	return dt.Date, dt.Date != ""
}

var _ Calendar = (*GoogleCalendar)(nil)
