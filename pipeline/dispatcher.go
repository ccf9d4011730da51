package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type Syncer interface {
	SyncCalendar(ctx context.Context, calendarID string) (Report, error)
}

type slot struct {
	pending bool
}

// Dispatcher runs sync passes in the background. Each calendar has at most one pass
// in flight in this process; triggers that arrive meanwhile collapse into exactly one
// follow-up pass.
type Dispatcher struct {
	syncer Syncer
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*slot
	closed  bool
	wg      sync.WaitGroup
}

func NewDispatcher(syncer Syncer, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		syncer:  syncer,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*slot),
	}
}

// Trigger schedules a pass for calendarID and returns immediately. It reports false
// once the dispatcher is closed.
func (d *Dispatcher) Trigger(calendarID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if s, ok := d.running[calendarID]; ok {
		s.pending = true
		return true
	}
	d.running[calendarID] = &slot{}
	d.wg.Add(1)
	go d.run(calendarID)
	return true
}

func (d *Dispatcher) run(calendarID string) {
	defer d.wg.Done()
	for {
		if _, err := d.syncer.SyncCalendar(d.ctx, calendarID); err != nil {
			d.logger.Debug().Err(err).Str("calendar", calendarID).Msg("triggered pass failed")
		}

		d.mu.Lock()
		s := d.running[calendarID]
		if s.pending && d.ctx.Err() == nil {
			s.pending = false
			d.mu.Unlock()
			continue
		}
		delete(d.running, calendarID)
		d.mu.Unlock()
		return
	}
}

// Close stops accepting triggers and waits for in-flight passes. When ctx ends first
// the passes are cancelled; nothing is committed mid-pass, so they rerun next time.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
