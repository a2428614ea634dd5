package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"zulip-gotify-relay-go/internal/config"
	"zulip-gotify-relay-go/internal/relay"
	"zulip-gotify-relay-go/internal/source"
)

// Scheduler drives the relay: it pulls events from the source one at a time
// and hands each to the dispatcher, and optionally sweeps the dedup cache on
// a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	entryID    cron.EntryID
	config     *config.RelayConfig
	source     source.EventSource
	dispatcher *relay.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	isRunning  bool
	done       chan struct{}
	err        error
	fatal      chan error
	mu         sync.RWMutex
}

// New creates a new scheduler
func New(cfg *config.RelayConfig, src source.EventSource, dispatcher *relay.Dispatcher) *Scheduler {
	done := make(chan struct{})
	close(done)
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		config:     cfg,
		source:     src,
		dispatcher: dispatcher,
		done:       done,
		fatal:      make(chan error, 1),
	}
}

// Start starts the event loop and, if configured, the cache sweep
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	// The source is read by one loop at a time.
	select {
	case <-s.done:
	default:
		return fmt.Errorf("previous event loop is still shutting down")
	}

	if s.config.SweepSchedule != "" {
		entryID, err := s.cron.AddFunc(s.config.SweepSchedule, s.sweep)
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		s.entryID = entryID
		s.cron.Start()
		logrus.Infof("Dedup cache sweep scheduled: %s", s.config.SweepSchedule)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.err = nil
	s.isRunning = true

	s.wg.Add(1)
	go s.run(s.ctx, s.done)

	logrus.Info("Scheduler started")
	return nil
}

// run pulls events until the context is cancelled or the source fails.
// An event already taken from the source is handled to completion even if
// the loop is stopped meanwhile.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	handleCtx := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		raw, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Errorf("Event source failed: %v", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			select {
			case s.fatal <- err:
			default:
			}
			return
		}

		s.dispatcher.Handle(handleCtx, raw)
	}
}

// Stop stops the scheduler and waits for the event loop to exit
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}

	// Cancel context to abort the pending poll
	s.cancel()

	if s.entryID != 0 {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
			logrus.Warn("Cache sweep stop timeout, forcing shutdown")
		}
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}

	s.isRunning = false
	done := s.done
	s.mu.Unlock()

	// run takes s.mu when the source fails, so wait without holding it.
	<-done
	logrus.Info("Scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Done is closed when the current event loop exits
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Fatal delivers the error of a source failure. A loop stopped through Stop
// sends nothing.
func (s *Scheduler) Fatal() <-chan error {
	return s.fatal
}

// Err returns the error that ended the event loop, if the source failed
func (s *Scheduler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Healthy reports whether the event loop is running without a source failure
func (s *Scheduler) Healthy() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return s.err
	}
	if !s.isRunning {
		return errors.New("scheduler is stopped")
	}
	return nil
}

func (s *Scheduler) sweep() {
	s.dispatcher.SweepCache()
}

// SweepNow sweeps the dedup cache immediately (for manual triggering)
func (s *Scheduler) SweepNow() int {
	logrus.Info("Sweeping dedup cache once")
	return s.dispatcher.SweepCache()
}

// GetNextRun returns the time of the next scheduled sweep
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning || s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time of the last sweep
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning || s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait waits for the event loop to exit
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
