// Package deltasync pulls changes since the last committed cursor and advances the
// cursor only after the caller has delivered the batch.
package deltasync

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ooo-mirror/model"
	"ooo-mirror/provider"
	"ooo-mirror/syncerr"
	"ooo-mirror/watchstore"
)

// CursorStore is the slice of the watch store the engine needs.
type CursorStore interface {
	GetCursor(ctx context.Context, calendarID string) (model.SyncCursor, error)
	AdvanceCursor(ctx context.Context, calendarID, expectedToken, nextToken string) error
	ResetCursor(ctx context.Context, calendarID, reason string) error
}

// Pass is a fetched, not yet committed, batch of changes.
type Pass struct {
	CalendarID  string
	StartToken  string
	NextToken   string
	FullResync  bool
	// Invalidated is set when the stored token was rejected and reset for this pass.
	Invalidated bool
	Events      []model.CandidateEvent
}

// Result summarizes a completed Sync.
type Result struct {
	Events         int
	CursorAdvanced bool
	FullResync     bool
	Invalidated    bool
}

// DeliverFunc hands a batch to the downstream pipeline. Returning an error leaves the
// cursor where it was.
type DeliverFunc func(ctx context.Context, events []model.CandidateEvent) error

type Engine struct {
	fetcher provider.DeltaFetcher
	cursors CursorStore
	logger  zerolog.Logger
}

func New(fetcher provider.DeltaFetcher, cursors CursorStore, logger zerolog.Logger) *Engine {
	return &Engine{
		fetcher: fetcher,
		cursors: cursors,
		logger:  logger.With().Str("component", "delta-sync").Logger(),
	}
}

// Fetch collects every page of changes since the stored cursor. An invalidated cursor
// is reset once and the pass becomes a full resync.
func (e *Engine) Fetch(ctx context.Context, calendarID string) (*Pass, error) {
	cursor, err := e.cursors.GetCursor(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	pass, err := e.fetchAll(ctx, calendarID, cursor.Token)
	if !errors.Is(err, syncerr.ErrTokenInvalidated) || cursor.Token == "" {
		return pass, err
	}

	e.logger.Info().Str("calendar", calendarID).Msg("sync token invalidated; starting full resync")
	if err := e.cursors.ResetCursor(ctx, calendarID, "sync token invalidated"); err != nil {
		return nil, err
	}
	pass, err = e.fetchAll(ctx, calendarID, "")
	if err != nil {
		return nil, err
	}
	pass.Invalidated = true
	return pass, nil
}

func (e *Engine) fetchAll(ctx context.Context, calendarID, startToken string) (*Pass, error) {
	pass := &Pass{
		CalendarID: calendarID,
		StartToken: startToken,
		FullResync: startToken == "",
	}

	pageToken := ""
	for {
		page, err := e.fetcher.FetchDelta(ctx, calendarID, startToken, pageToken)
		if err != nil {
			return nil, err
		}
		if page.Invalidated {
			return nil, syncerr.Newf(syncerr.KindTokenInvalidated, "fetch delta", calendarID, "provider rejected sync token")
		}
		pass.Events = append(pass.Events, page.Events...)

		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		pass.NextToken = page.NextSyncToken
		break
	}
	return pass, nil
}

// Commit advances the cursor from the pass's start token. It reports false when the
// provider gave no continuation token.
func (e *Engine) Commit(ctx context.Context, pass *Pass) (bool, error) {
	if pass.NextToken == "" {
		e.logger.Warn().Str("calendar", pass.CalendarID).Msg("provider returned no sync token; cursor unchanged")
		return false, nil
	}
	if pass.NextToken == pass.StartToken {
		return false, nil
	}
	if err := e.cursors.AdvanceCursor(ctx, pass.CalendarID, pass.StartToken, pass.NextToken); err != nil {
		if errors.Is(err, watchstore.ErrConflict) {
			e.logger.Warn().Str("calendar", pass.CalendarID).Msg("cursor moved during pass; not advancing")
		}
		return false, err
	}
	return true, nil
}

// Sync runs fetch, deliver, commit for one calendar.
func (e *Engine) Sync(ctx context.Context, calendarID string, deliver DeliverFunc) (Result, error) {
	pass, err := e.Fetch(ctx, calendarID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Events: len(pass.Events), FullResync: pass.FullResync, Invalidated: pass.Invalidated}

	if err := deliver(ctx, pass.Events); err != nil {
		return res, err
	}

	advanced, err := e.Commit(ctx, pass)
	res.CursorAdvanced = advanced
	if err != nil {
		return res, err
	}
	e.logger.Debug().
		Str("calendar", calendarID).
		Int("events", res.Events).
		Bool("full_resync", res.FullResync).
		Bool("cursor_advanced", advanced).
		Msg("sync pass committed")
	return res, nil
}
