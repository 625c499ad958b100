package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/tempo/internal/observability"
)

const DefaultReapSchedule = "@every 1m"

// Reaper periodically deletes expired lock rows. Expired locks never block
// acquisition, so reaping only keeps the lock table small.
type Reaper struct {
	locker   Locker
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReaper creates a reaper for locker on a cron schedule
func NewReaper(locker Locker, schedule string, logger zerolog.Logger) *Reaper {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	return &Reaper{
		locker:   locker,
		schedule: schedule,
		logger:   logger.With().Str("component", "lock-reaper").Logger(),
	}
}

// Start schedules the reap job. It fails on an invalid schedule.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}

	c.Start()
	r.cron = c
	r.running = true

	r.logger.Info().Str("schedule", r.schedule).Msg("Lock reaper started")
	return nil
}

// Stop halts the schedule and waits for a running job
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info().Msg("Lock reaper stopped")
}

// RunOnce reaps expired locks now and returns how many were removed
func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.locker.ReapExpired(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to reap expired locks")
		return 0
	}
	if n > 0 {
		observability.RecordLocksReaped(n)
		r.logger.Debug().Int("count", n).Msg("Reaped expired locks")
	}
	return n
}
