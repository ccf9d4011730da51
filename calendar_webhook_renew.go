package main

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const renewTickTimeout = 5 * time.Minute

// RenewalScheduler runs the subscription tick on a cron schedule and once at startup.
// Scheduled and startup ticks share one job, so a tick that would overlap a running one
// is skipped.
type RenewalScheduler struct {
	runner   renewalRunner
	schedule string
	cron     *cron.Cron
	job      cron.Job
	baseCtx  context.Context
	logger   zerolog.Logger
}

// NewRenewalScheduler returns nil when schedule is "off" or empty.
func NewRenewalScheduler(runner renewalRunner, schedule string, logger zerolog.Logger) (*RenewalScheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" || strings.EqualFold(schedule, "off") {
		return nil, nil
	}
	s := &RenewalScheduler{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(),
		baseCtx:  context.Background(),
		logger:   logger.With().Str("component", "renewal-scheduler").Logger(),
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.tick(s.baseCtx) }))
	if _, err := s.cron.AddJob(schedule, s.job); err != nil {
		return nil, err
	}
	return s, nil
}

// Start fires one tick immediately and then follows the schedule. Ticks run under ctx.
func (s *RenewalScheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.baseCtx = ctx
	go s.job.Run()
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("subscription renewal scheduled")
}

// Stop halts the schedule and waits for a running tick up to ctx.
func (s *RenewalScheduler) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *RenewalScheduler) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, renewTickTimeout)
	defer cancel()

	outcomes := s.runner.RunTick(ctx)
	failed := 0
	renewed := 0
	for _, o := range outcomes {
		switch {
		case o.Error != "":
			failed++
		case o.Renewed:
			renewed++
		}
	}
	ev := s.logger.Info()
	if failed > 0 {
		ev = s.logger.Warn()
	}
	ev.Int("calendars", len(outcomes)).Int("renewed", renewed).Int("failed", failed).Msg("subscription tick")
}
