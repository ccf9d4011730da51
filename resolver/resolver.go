// Package resolver authenticates push notifications and maps them to a calendar.
// Notifications carry no event data; a resolved one is only a trigger.
package resolver

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/rs/zerolog"

	"ooo-mirror/model"
	"ooo-mirror/syncerr"
)

// Resource states sent by the provider.
const (
	StateSync      = "sync"
	StateExists    = "exists"
	StateNotExists = "not_exists"
)

// Notification is the header set of one push delivery.
type Notification struct {
	ChannelID     string
	Token         string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

// Resolution is a validated notification. Handshake means the provider is only
// confirming a new channel and no sync is needed.
type Resolution struct {
	CalendarID string
	Handshake  bool
}

type Store interface {
	CalendarForChannel(ctx context.Context, channelID string) (string, error)
	GetSubscription(ctx context.Context, calendarID string) (*model.Subscription, error)
}

type Resolver struct {
	store  Store
	logger zerolog.Logger
}

func New(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger.With().Str("component", "notification-resolver").Logger()}
}

// Resolve checks the channel against the active subscription and its secret.
func (r *Resolver) Resolve(ctx context.Context, n Notification) (Resolution, error) {
	channelID := strings.TrimSpace(n.ChannelID)
	if channelID == "" || n.Token == "" {
		return Resolution{}, syncerr.Newf(syncerr.KindUnauthorized, "resolve", "", "missing channel id or token")
	}

	calendarID, err := r.store.CalendarForChannel(ctx, channelID)
	if err != nil {
		return Resolution{}, err
	}
	if calendarID == "" {
		r.logger.Debug().Str("channel_id", channelID).Msg("notification for unknown channel")
		return Resolution{}, syncerr.Newf(syncerr.KindUnknownChannel, "resolve", "", "channel %s", channelID)
	}

	sub, err := r.store.GetSubscription(ctx, calendarID)
	if err != nil {
		return Resolution{}, err
	}
	if sub == nil || sub.ChannelID != channelID {
		r.logger.Debug().Str("calendar", calendarID).Str("channel_id", channelID).Msg("notification for retired channel")
		return Resolution{}, syncerr.Newf(syncerr.KindUnknownChannel, "resolve", calendarID, "channel %s is not active", channelID)
	}

	if subtle.ConstantTimeCompare([]byte(n.Token), []byte(sub.Secret)) != 1 {
		r.logger.Warn().Str("calendar", calendarID).Str("channel_id", channelID).Msg("notification token mismatch")
		return Resolution{}, syncerr.Newf(syncerr.KindUnauthorized, "resolve", calendarID, "token mismatch on channel %s", channelID)
	}
	if sub.ResourceID != "" && n.ResourceID != "" && n.ResourceID != sub.ResourceID {
		r.logger.Warn().Str("calendar", calendarID).Str("channel_id", channelID).Msg("notification resource id mismatch")
		return Resolution{}, syncerr.Newf(syncerr.KindUnauthorized, "resolve", calendarID, "resource mismatch on channel %s", channelID)
	}

	switch strings.ToLower(strings.TrimSpace(n.ResourceState)) {
	case StateSync:
		return Resolution{CalendarID: calendarID, Handshake: true}, nil
	case StateExists, StateNotExists:
		return Resolution{CalendarID: calendarID}, nil
	default:
		return Resolution{}, syncerr.Newf(syncerr.KindMalformedNotification, "resolve", calendarID, "unexpected resource state %q", n.ResourceState)
	}
}
