// Package rollsched triggers the daily lag window roll on a cron schedule.
package rollsched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule rolls once a day at 20:00 local time, after the trading
// day closes. Missed firings (process down at the boundary) are not
// replayed: the next firing rolls exactly once.
const DefaultSchedule = "0 20 * * *"

// Roller advances every tracked lag window by one day.
type Roller interface {
	RollAll(ctx context.Context) error
}

// Scheduler fires the daily roll. Each firing runs RollAll once; there is
// no catch-up for boundaries that passed while the process was down.
type Scheduler struct {
	roller   Roller
	schedule string
	cron     *cron.Cron

	// rollTimeout bounds one roll pass so a stuck KV cannot pile up firings.
	rollTimeout time.Duration
}

// New creates a scheduler that fires roller on the given standard 5-field
// cron expression. An empty schedule falls back to DefaultSchedule.
func New(roller Roller, schedule string) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		roller:      roller,
		schedule:    schedule,
		cron:        cron.New(),
		rollTimeout: 5 * time.Minute,
	}
}

// Start registers the roll job and starts the cron ticker. It returns an
// error if the schedule expression does not parse.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid roll schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	slog.Info("[RollScheduler] Started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron ticker and waits for a firing in flight to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("[RollScheduler] Stopped")
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rollCtx, cancel := context.WithTimeout(ctx, s.rollTimeout)
	defer cancel()

	start := time.Now()
	if err := s.roller.RollAll(rollCtx); err != nil {
		slog.Error("[RollScheduler] Daily roll failed", "error", err)
		return
	}
	slog.Info("[RollScheduler] Daily roll complete", "duration", time.Since(start))
}
