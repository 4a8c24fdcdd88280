// Package sweeper runs the periodic maintenance that keeps shared state
// moving when clients go quiet.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"number-duel-server/config"
)

// Rounds times out overdue rounds and abandons idle matches.
type Rounds interface {
	SweepOverdueRounds(ctx context.Context) (int, error)
	AbandonIdleMatches(ctx context.Context, idle time.Duration) (int, error)
}

// Queue expires stale matchmaking entries.
type Queue interface {
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// Runs expires single-player runs.
type Runs interface {
	ExpireRuns(ctx context.Context) int
}

// Sweeper schedules the maintenance jobs.
type Sweeper struct {
	sched  gocron.Scheduler
	rounds Rounds
	queue  Queue
	runs   Runs

	sweepEvery   time.Duration
	cleanupEvery time.Duration
	queueTTL     time.Duration
	idleTimeout  time.Duration
}

// New creates a Sweeper. Jobs are registered by Start.
func New(cfg *config.Config, rounds Rounds, queue Queue, runs Runs) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		sched:        sched,
		rounds:       rounds,
		queue:        queue,
		runs:         runs,
		sweepEvery:   cfg.SweepInterval(),
		cleanupEvery: cfg.CleanupInterval(),
		queueTTL:     cfg.QueueTTL(),
		idleTimeout:  cfg.MatchIdleTimeout(),
	}, nil
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx and
// never overlap themselves.
func (s *Sweeper) Start(ctx context.Context) error {
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"round-deadlines", s.sweepEvery, s.SweepRounds},
		{"housekeeping", s.cleanupEvery, s.Housekeep},
	}
	for _, j := range jobs {
		_, err := s.sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { j.run(ctx) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
	}
	s.sched.Start()
	slog.Info("scheduler started", "tag", "sweeper", "sweep", s.sweepEvery, "cleanup", s.cleanupEvery)
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Sweeper) Stop() error {
	return s.sched.Shutdown()
}

// SweepRounds submits timeouts for rounds past their deadline.
func (s *Sweeper) SweepRounds(ctx context.Context) {
	n, err := s.rounds.SweepOverdueRounds(ctx)
	if err != nil {
		slog.Error("round sweep failed", "tag", "sweeper", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("timed out answers", "tag", "sweeper", "count", n)
	}
}

// Housekeep expires queue entries, idle matches and solo runs.
func (s *Sweeper) Housekeep(ctx context.Context) {
	if _, err := s.queue.ExpireStale(ctx, s.queueTTL); err != nil {
		slog.Error("queue expiry failed", "tag", "sweeper", "err", err)
	}
	if _, err := s.rounds.AbandonIdleMatches(ctx, s.idleTimeout); err != nil {
		slog.Error("idle match sweep failed", "tag", "sweeper", "err", err)
	}
	s.runs.ExpireRuns(ctx)
}
