package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxflow/inboxflow/state"
	"github.com/inboxflow/inboxflow/workflow"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 50
)

// Sweeper periodically expires suspended executions whose review
// deadline has lapsed.
type Sweeper struct {
	store        state.Store
	orchestrator *workflow.Orchestrator
	logger       *slog.Logger
	interval     time.Duration
	batchSize    int
	now          func() time.Time
}

type SweeperOption func(*Sweeper)

func SweeperWithInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func SweeperWithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func SweeperWithLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func SweeperWithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(store state.Store, orchestrator *workflow.Orchestrator, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil || orchestrator == nil {
		return nil, fmt.Errorf("store and orchestrator are required")
	}
	s := &Sweeper{
		store:        store,
		orchestrator: orchestrator,
		logger:       slog.Default(),
		interval:     defaultSweepInterval,
		batchSize:    defaultSweepBatch,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run polls until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired overdue executions", "count", n)
			}
		}
	}
}

// SweepOnce expires one batch of overdue executions and reports how
// many were settled. Races with a concurrent resume are benign: the
// losing call either observes a terminal record and replays it, or
// loses the claim checkpoint and backs off.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	overdue, err := s.store.ListExecutions(ctx, state.ListQuery{
		Status:         string(workflow.StatusSuspended),
		DeadlineBefore: s.now().UTC().Format(time.RFC3339Nano),
		Limit:          s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue executions: %w", err)
	}

	expired := 0
	for _, rec := range overdue {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, err := s.orchestrator.Expire(ctx, rec.ExecutionID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, workflow.ErrNotSuspended),
			errors.Is(err, workflow.ErrDeadlineNotReached),
			errors.Is(err, workflow.ErrDecisionConflict),
			errors.Is(err, state.ErrNotFound):
			// Another worker or a late human decision got there first.
		default:
			s.logger.Error("failed to expire execution",
				"execution_id", rec.ExecutionID,
				"error", err,
			)
		}
	}
	return expired, nil
}
