package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inboxflow/inboxflow/state"
)

// Tests need a local Redis; they skip when one is not reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New("localhost:6379", WithPrefix(fmt.Sprintf("inboxflow-test-%s", uuid.NewString())))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestExecutionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := state.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		Owner:       "owner-1",
		MessageID:   "msg-1",
		Status:      "running",
		CreatedAt:   &now,
		UpdatedAt:   &now,
	}
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	loaded, err := store.LoadExecution(ctx, rec.ExecutionID)
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if loaded.Owner != rec.Owner || loaded.Status != rec.Status {
		t.Fatalf("loaded record diverged: %+v", loaded)
	}

	if _, err := store.LoadExecution(ctx, "ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeadlineIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := state.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		Owner:       "owner-1",
		Status:      "suspended",
		Deadline:    &past,
		UpdatedAt:   &now,
	}
	pending := state.ExecutionRecord{
		ExecutionID: uuid.NewString(),
		Owner:       "owner-1",
		Status:      "suspended",
		Deadline:    &future,
		UpdatedAt:   &now,
	}
	for _, rec := range []state.ExecutionRecord{overdue, pending} {
		if err := store.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution returned error: %v", err)
		}
	}

	got, err := store.ListExecutions(ctx, state.ListQuery{
		Status:         "suspended",
		DeadlineBefore: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(got) != 1 || got[0].ExecutionID != overdue.ExecutionID {
		t.Fatalf("expected only the overdue execution, got %+v", got)
	}

	// Resuming drops the execution out of the deadline index.
	overdue.Status = "completed"
	overdue.Deadline = nil
	if err := store.SaveExecution(ctx, overdue); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	got, err = store.ListExecutions(ctx, state.ListQuery{
		Status:         "suspended",
		DeadlineBefore: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("terminal execution still in the deadline index: %+v", got)
	}
}

func TestCheckpointConflictAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	executionID := uuid.NewString()
	for seq := 1; seq <= 3; seq++ {
		cp := state.CheckpointRecord{
			ExecutionID: executionID,
			Seq:         seq,
			Node:        "respond",
			State:       map[string]any{"seq": seq},
		}
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint returned error: %v", err)
		}
	}

	dup := state.CheckpointRecord{ExecutionID: executionID, Seq: 2, Node: "respond"}
	if err := store.SaveCheckpoint(ctx, dup); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	latest, err := store.LoadLatestCheckpoint(ctx, executionID)
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint returned error: %v", err)
	}
	if latest.Seq != 3 {
		t.Fatalf("expected latest seq 3, got %d", latest.Seq)
	}
}
