package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Task IDs for the built-in maintenance jobs
const (
	TaskCompleteCandidates = "complete-candidates"
	TaskSweepSessions      = "sweep-sessions"
)

// Completer retires candidates that have collected enough votes
type Completer interface {
	CompleteSaturatedCandidates(ctx context.Context, minVotes int64) (int, error)
}

// Sweeper drops idle voting sessions
type Sweeper interface {
	Sweep(now time.Time) int
}

// CompletionTask marks active candidates with at least minVotes votes as
// completed so they leave the rating stream.
func CompletionTask(ledger Completer, minVotes int64, schedule string, maxRetries int, logger *zap.Logger) *Task {
	return &Task{
		ID:         TaskCompleteCandidates,
		Name:       "Complete saturated candidates",
		Schedule:   schedule,
		MaxRetries: maxRetries,
		ExecutionFn: func(ctx context.Context) error {
			n, err := ledger.CompleteSaturatedCandidates(ctx, minVotes)
			if err != nil {
				return fmt.Errorf("completing candidates: %w", err)
			}
			if n > 0 {
				logger.Info("Completed candidates",
					zap.Int("count", n),
					zap.Int64("minVotes", minVotes))
			}
			return nil
		},
	}
}

// SweepTask evicts sessions idle past the registry's TTL
func SweepTask(sessions Sweeper, schedule string, logger *zap.Logger) *Task {
	return &Task{
		ID:       TaskSweepSessions,
		Name:     "Sweep idle sessions",
		Schedule: schedule,
		ExecutionFn: func(ctx context.Context) error {
			if n := sessions.Sweep(time.Now()); n > 0 {
				logger.Debug("Swept idle sessions", zap.Int("count", n))
			}
			return nil
		},
	}
}

// RegisterMaintenance schedules the built-in jobs. Completion is skipped when
// minVotes is zero.
func (s *Scheduler) RegisterMaintenance(ledger Completer, minVotes int64, completionSchedule string, sessions Sweeper, sweepSchedule string) error {
	if minVotes > 0 && completionSchedule != "" {
		if err := s.ScheduleTask(CompletionTask(ledger, minVotes, completionSchedule, s.config.RetryAttempts, s.logger)); err != nil {
			return err
		}
	}
	if sessions != nil && sweepSchedule != "" {
		if err := s.ScheduleTask(SweepTask(sessions, sweepSchedule, s.logger)); err != nil {
			return err
		}
	}
	return nil
}
