// ABOUTME: Runs the approval expiry sweep on a cron schedule
// ABOUTME: Wraps robfig/cron so the gateway can start and stop it with the process

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer is the sweep the Sweeper runs.
type Expirer interface {
	Expire(ctx context.Context) (int, error)
}

// Sweeper triggers Expire on a schedule.
type Sweeper struct {
	expirer  Expirer
	schedule string
	engine   *cron.Cron
	logger   *slog.Logger
	timeout  time.Duration
}

// NewSweeper parses schedule (standard five-field cron or a descriptor such
// as "@every 1h") and registers the sweep.
func NewSweeper(expirer Expirer, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("failed to parse expiry schedule: %w", err)
	}

	s := &Sweeper{
		expirer:  expirer,
		schedule: schedule,
		engine:   cron.New(),
		logger:   logger.With("component", "expiry"),
		timeout:  5 * time.Minute,
	}
	if _, err := s.engine.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("failed to add expiry job: %w", err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce sweeps immediately and logs the outcome.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.expirer.Expire(ctx)
	if err != nil {
		s.logger.Error("expiry sweep had failures", "expired", n, "error", err)
	} else {
		s.logger.Debug("expiry sweep complete", "expired", n)
	}
	return n
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.engine.Start()
	s.logger.Info("expiry sweeper started", "schedule", s.schedule)

	<-ctx.Done()

	done := s.engine.Stop()
	<-done.Done()
	s.logger.Info("expiry sweeper stopped")
	return nil
}
