package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tradeflow/logging"
)

const lockKey = "reconcile:run"

// Runner is satisfied by *Job.
type Runner interface {
	Run(ctx context.Context) ([]Result, error)
}

// Scheduler runs the job every interval. With a Locker, a pass is skipped
// when another replica holds the run lock.
type Scheduler struct {
	runner   Runner
	locker   *Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

func NewScheduler(runner Runner, locker *Locker, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		runner:   runner,
		locker:   locker,
		interval: interval,
		lockTTL:  interval,
		logger:   logging.OrNop(logger),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockNotAcquired) {
				s.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce runs a single pass, taking the lock first when one is configured.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Result, error) {
	if s.locker == nil {
		return s.runner.Run(ctx)
	}

	lock, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			s.logger.Debug("reconciliation already running elsewhere")
		}
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release reconciliation lock", zap.Error(err))
		}
	}()
	return s.runner.Run(ctx)
}
