package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

const defaultPoolConcurrency = 4

// IntakeItem pairs an inbound message with the owner whose inbox it
// arrived in.
type IntakeItem struct {
	Owner   string
	Message types.Message
}

// Pool fans inbound messages out to the orchestrator with bounded
// concurrency. Individual execution failures are logged, not fatal to
// the batch.
type Pool struct {
	orchestrator *workflow.Orchestrator
	logger       *slog.Logger
	concurrency  int
}

type PoolOption func(*Pool)

func PoolWithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func PoolWithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(orchestrator *workflow.Orchestrator, opts ...PoolOption) (*Pool, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	p := &Pool{
		orchestrator: orchestrator,
		logger:       slog.Default(),
		concurrency:  defaultPoolConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs every item to its first settle point (done, failed, or
// suspended). It returns the results in input order.
func (p *Pool) Process(ctx context.Context, items []IntakeItem) ([]workflow.Result, error) {
	results := make([]workflow.Result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := p.orchestrator.Start(gctx, item.Owner, item.Message)
			if err != nil {
				// Context errors abort the batch; execution failures
				// are already persisted on their record.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				p.logger.Error("execution failed",
					"owner", item.Owner,
					"message_id", item.Message.ID,
					"error", err,
				)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
