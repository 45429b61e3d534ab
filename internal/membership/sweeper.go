package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luxbot/vipgate/internal/logutil"
)

// Sweeper drives the Scheduler on a fixed cadence. The cadence must not
// exceed the reminder window width; config validation enforces that bound.
type Sweeper struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
}

func NewSweeper(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		scheduler: scheduler,
		interval:  interval,
		logger:    logutil.NoopIfNil(logger),
	}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval.String())

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// RunOnce triggers a single sweep, used by the admin API.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	return s.scheduler.Sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	// Each pass gets its own id so the log lines of overlapping concerns
	// can be correlated.
	logger := s.logger.With("sweep_id", uuid.NewString())
	stats, err := s.scheduler.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("sweep failed", "error", err)
		}
		return
	}
	logger.Info("sweep complete",
		"scanned", stats.Scanned,
		"reminders", stats.Reminders,
		"revoked", stats.Revoked,
		"errors", stats.Errors,
	)
}
