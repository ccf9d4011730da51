// Package provider is the boundary to the calendar provider: push subscriptions and
// incremental change listing.
package provider

import (
	"context"
	"time"

	"ooo-mirror/model"
)

// DeltaPage is one page of changes since a sync token.
type DeltaPage struct {
	Events        []model.CandidateEvent
	NextPageToken string
	NextSyncToken string
	// Invalidated reports that the provider no longer accepts the sync token.
	Invalidated bool
}

type Subscriber interface {
	CreateSubscription(ctx context.Context, calendarID, callbackURL, secret string, ttl time.Duration) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, sub model.Subscription) error
}

type DeltaFetcher interface {
	// FetchDelta lists changes since syncToken. An empty syncToken asks for a full
	// listing over the lookback window.
	FetchDelta(ctx context.Context, calendarID, syncToken, pageToken string) (DeltaPage, error)
}

type WindowLister interface {
	// ListWindow returns the live events overlapping [from, to), expanded into single
	// instances and ordered by start.
	ListWindow(ctx context.Context, calendarID string, from, to time.Time) ([]model.CandidateEvent, error)
}

// Calendar is everything the mirror needs from a provider.
type Calendar interface {
	Subscriber
	DeltaFetcher
	WindowLister
}
