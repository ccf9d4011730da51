// Package pipeline runs one calendar's sync end to end: lock, fetch, classify, append,
// ledger, cursor. It also coalesces notification bursts into single passes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ooo-mirror/activity"
	"ooo-mirror/alerts"
	"ooo-mirror/classifier"
	"ooo-mirror/deltasync"
	"ooo-mirror/model"
	"ooo-mirror/sink"
	"ooo-mirror/syncerr"
)

const DefaultSyncTimeout = 2 * time.Minute

type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// AbsenceAlerter checks the days a batch touched against the absence threshold.
type AbsenceAlerter interface {
	CheckBatch(ctx context.Context, calendarID string, events []model.CandidateEvent) ([]alerts.DayResult, error)
}

type HealthStore interface {
	RecordSyncSuccess(ctx context.Context, calendarID string) error
	RecordSyncFailure(ctx context.Context, calendarID string, cause error) error
}

// Report describes one sync pass.
type Report struct {
	CalendarID     string `json:"calendar"`
	Events         int    `json:"events"`
	Rows           int    `json:"rows"`
	Delivered      int    `json:"delivered"`
	FullResync     bool   `json:"full_resync"`
	Invalidated    bool   `json:"invalidated"`
	CursorAdvanced bool   `json:"cursor_advanced"`
}

type Orchestrator struct {
	locker      Locker
	engine      *deltasync.Engine
	classifier  *classifier.Classifier
	sink        sink.Sink
	target      sink.Target
	health      HealthStore
	feed        *activity.Feed
	alerter     AbsenceAlerter
	syncTimeout time.Duration
	logger      zerolog.Logger
}

type Options struct {
	Locker      Locker
	Engine      *deltasync.Engine
	Classifier  *classifier.Classifier
	Sink        sink.Sink
	Target      sink.Target
	Health      HealthStore
	Feed        *activity.Feed
	Alerter     AbsenceAlerter
	SyncTimeout time.Duration
	Logger      zerolog.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	return &Orchestrator{
		locker:      opts.Locker,
		engine:      opts.Engine,
		classifier:  opts.Classifier,
		sink:        opts.Sink,
		target:      opts.Target,
		health:      opts.Health,
		feed:        opts.Feed,
		alerter:     opts.Alerter,
		syncTimeout: opts.SyncTimeout,
		logger:      opts.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// SyncCalendar runs one serialized pass for calendarID. The cursor moves only if every
// new row reached the sink and was ledgered.
func (o *Orchestrator) SyncCalendar(ctx context.Context, calendarID string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, o.syncTimeout)
	defer cancel()

	report := Report{CalendarID: calendarID}

	release, err := o.locker.Acquire(ctx, calendarID)
	if err != nil {
		return report, fmt.Errorf("lock %s: %w", calendarID, err)
	}
	defer release()

	res, err := o.engine.Sync(ctx, calendarID, func(ctx context.Context, events []model.CandidateEvent) error {
		return o.deliver(ctx, calendarID, events, &report)
	})
	report.Events = res.Events
	report.FullResync = res.FullResync
	report.Invalidated = res.Invalidated
	report.CursorAdvanced = res.CursorAdvanced

	if report.Invalidated {
		o.logger.Info().Str("calendar", calendarID).Msg("recovered from invalidated sync token with full resync")
		o.record(ctx, activity.KindInvalidated, calendarID, nil)
	}

	if err != nil {
		o.fail(ctx, calendarID, err)
		return report, err
	}

	if herr := o.health.RecordSyncSuccess(ctx, calendarID); herr != nil {
		o.logger.Warn().Err(herr).Str("calendar", calendarID).Msg("failed to record sync success")
	}
	o.record(ctx, activity.KindSync, calendarID, map[string]any{
		"events":          report.Events,
		"delivered":       report.Delivered,
		"full_resync":     report.FullResync,
		"cursor_advanced": report.CursorAdvanced,
	})
	o.logger.Info().
		Str("calendar", calendarID).
		Int("events", report.Events).
		Int("delivered", report.Delivered).
		Bool("full_resync", report.FullResync).
		Msg("sync pass complete")
	return report, nil
}

// deliver appends rows one at a time and ledgers each right after the sink confirms it.
// The first sink failure stops the batch.
func (o *Orchestrator) deliver(ctx context.Context, calendarID string, events []model.CandidateEvent, report *Report) error {
	rows, err := o.classifier.Process(ctx, events)
	if err != nil {
		return err
	}
	report.Rows = len(rows)

	for _, row := range rows {
		if err := o.sink.AppendRow(ctx, o.target, row); err != nil {
			return syncerr.FromSink("append row", calendarID, err)
		}
		report.Delivered++
		if err := o.classifier.Commit(ctx, row); err != nil {
			return fmt.Errorf("ledger %s: %w", row.EventID, err)
		}
		o.record(ctx, activity.KindDelivered, calendarID, map[string]any{
			"event_id": row.EventID,
			"title":    row.Title,
			"start":    row.Start,
		})
	}

	o.checkAbsences(ctx, calendarID, events)
	return nil
}

// checkAbsences runs after every row is ledgered. Its failures are logged and never
// fail the pass.
func (o *Orchestrator) checkAbsences(ctx context.Context, calendarID string, events []model.CandidateEvent) {
	if o.alerter == nil {
		return
	}
	results, err := o.alerter.CheckBatch(ctx, calendarID, events)
	for _, r := range results {
		if r.Sent {
			o.record(ctx, activity.KindAlert, calendarID, map[string]any{
				"day":   r.Day,
				"count": r.Count,
			})
		}
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("calendar", calendarID).Msg("absence alert check failed")
	}
}

func (o *Orchestrator) fail(ctx context.Context, calendarID string, err error) {
	if herr := o.health.RecordSyncFailure(context.WithoutCancel(ctx), calendarID, err); herr != nil {
		o.logger.Warn().Err(herr).Str("calendar", calendarID).Msg("failed to record sync failure")
	}

	level := zerolog.WarnLevel
	switch {
	case errors.Is(err, syncerr.ErrTokenInvalidated):
		level = zerolog.InfoLevel
	case errors.Is(err, syncerr.ErrPermanentSink), errors.Is(err, syncerr.ErrPermanentProvider), errors.Is(err, syncerr.ErrUnauthorized):
		level = zerolog.ErrorLevel
	}
	o.logger.WithLevel(level).
		Err(err).
		Str("calendar", calendarID).
		Str("kind", string(syncerr.KindOf(err))).
		Msg("sync pass failed; cursor unchanged")
}

func (o *Orchestrator) record(ctx context.Context, kind, calendarID string, fields map[string]any) {
	if o.feed == nil {
		return
	}
	if _, err := o.feed.Append(context.WithoutCancel(ctx), kind, calendarID, fields); err != nil {
		o.logger.Debug().Err(err).Str("kind", kind).Msg("activity append failed")
	}
}
