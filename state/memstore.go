package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is the in-process Store used by tests and single-shot runs.
type MemStore struct {
	mu          sync.Mutex
	executions  map[string]ExecutionRecord
	checkpoints map[string][]CheckpointRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		executions:  map[string]ExecutionRecord{},
		checkpoints: map[string][]CheckpointRecord{},
	}
}

func (m *MemStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ExecutionID] = rec
	return nil
}

func (m *MemStore) LoadExecution(ctx context.Context, executionID string) (ExecutionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemStore) ListExecutions(ctx context.Context, query ListQuery) ([]ExecutionRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	var deadlineBefore *time.Time
	if query.DeadlineBefore != "" {
		t, err := time.Parse(time.RFC3339Nano, query.DeadlineBefore)
		if err != nil {
			return nil, err
		}
		deadlineBefore = &t
	}

	out := make([]ExecutionRecord, 0)
	for _, rec := range m.executions {
		if query.Owner != "" && rec.Owner != query.Owner {
			continue
		}
		if query.Status != "" && rec.Status != query.Status {
			continue
		}
		if deadlineBefore != nil {
			if rec.Deadline == nil || rec.Deadline.After(*deadlineBefore) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })

	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return []ExecutionRecord{}, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *MemStore) SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints[checkpoint.ExecutionID] {
		if existing.Seq == checkpoint.Seq {
			return ErrConflict
		}
	}
	m.checkpoints[checkpoint.ExecutionID] = append(m.checkpoints[checkpoint.ExecutionID], checkpoint)
	return nil
}

func (m *MemStore) LoadLatestCheckpoint(ctx context.Context, executionID string) (CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[executionID]
	if len(cps) == 0 {
		return CheckpointRecord{}, ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest, nil
}

func (m *MemStore) ListCheckpoints(ctx context.Context, executionID string, limit int) ([]CheckpointRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := append([]CheckpointRecord(nil), m.checkpoints[executionID]...)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq > cps[j].Seq })
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}

func (m *MemStore) Close() error { return nil }
