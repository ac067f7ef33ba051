// Package scheduler resumes sessions whose wait timers have come due and
// runs periodic store maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxflow/voxflow/internal/engine"
	"github.com/voxflow/voxflow/internal/store"
)

// TurnRunner is the interface the scheduler drives resumed turns through.
// Satisfied by the engine (avoids import cycle).
type TurnRunner interface {
	ProcessTurn(ctx context.Context, in *engine.TurnInput) (*engine.TurnOutput, error)
}

// MaintenanceStore is the slice of the store the scheduler needs.
type MaintenanceStore interface {
	store.TimerStore
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
	PruneWaitTimers(ctx context.Context, olderThan time.Time) (int64, error)
}

// Scheduler polls for due wait timers and resumes the owning sessions.
type Scheduler struct {
	store     MaintenanceStore
	runner    TurnRunner
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // timer IDs currently resuming (dedup)

	maintSchedule cron.Schedule
	nextMaint     time.Time
}

// Config tunes the scheduler.
type Config struct {
	PollInterval   time.Duration // default 5s
	MaintenanceCron string       // default daily at 04:00
	EventRetention time.Duration // default 30 days
}

// New creates a Scheduler.
func New(s MaintenanceStore, runner TurnRunner, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaintenanceCron == "" {
		cfg.MaintenanceCron = "0 4 * * *"
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 30 * 24 * time.Hour
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.MaintenanceCron)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron %q: %w", cfg.MaintenanceCron, err)
	}
	return &Scheduler{
		store:         s,
		runner:        runner,
		logger:        logger,
		interval:      cfg.PollInterval,
		retention:     cfg.EventRetention,
		inflight:      make(map[string]struct{}),
		maintSchedule: schedule,
		nextMaint:     schedule.Next(time.Now().UTC()),
	}, nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "poll_interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick resumes every due timer and runs maintenance when scheduled.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	timers, err := s.store.DueWaitTimers(ctx, now, 100)
	if err != nil {
		s.logger.Error("failed to list due wait timers", slog.String("error", err.Error()))
		return
	}
	for _, t := range timers {
		if !s.tryAcquire(t.ID) {
			continue
		}
		if err := s.fire(ctx, t); err != nil {
			s.logger.Error("failed to resume session from wait timer",
				slog.String("timer_id", t.ID),
				slog.String("session_key", t.SessionKey),
				slog.String("error", err.Error()),
			)
		}
		s.release(t.ID)
	}

	if !now.Before(s.nextMaint) {
		s.maintain(ctx, now)
		s.nextMaint = s.maintSchedule.Next(now)
	}
}

// fire marks the timer consumed and drives a resumed turn. Marking first
// means a failed resume is dropped rather than retried forever; the
// session stays suspended for the operator to inspect.
func (s *Scheduler) fire(ctx context.Context, t *store.WaitTimer) error {
	if err := s.store.MarkWaitTimerFired(ctx, t.ID); err != nil {
		return err
	}
	_, err := s.runner.ProcessTurn(ctx, &engine.TurnInput{
		SessionKey: t.SessionKey,
		TimerFired: true,
	})
	return err
}

func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.retention)

	pruned, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		s.logger.Error("event log maintenance failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		s.logger.Info("pruned turn events", slog.Int64("count", pruned))
	}

	swept, err := s.store.PruneWaitTimers(ctx, cutoff)
	if err != nil {
		s.logger.Error("wait timer maintenance failed", slog.String("error", err.Error()))
	} else if swept > 0 {
		s.logger.Info("swept fired wait timers", slog.Int64("count", swept))
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}
