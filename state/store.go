package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListQuery struct {
	Owner          string
	Status         string
	DeadlineBefore string // RFC3339Nano; only suspended executions with an elapsed deadline match
	Limit          int
	Offset         int
}

// Store persists execution records and their append-only checkpoint
// history. SaveCheckpoint must be atomic per record and must return
// ErrConflict when (execution_id, seq) already exists.
type Store interface {
	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	LoadExecution(ctx context.Context, executionID string) (ExecutionRecord, error)
	ListExecutions(ctx context.Context, query ListQuery) ([]ExecutionRecord, error)

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, executionID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, executionID string, limit int) ([]CheckpointRecord, error)

	Close() error
}
