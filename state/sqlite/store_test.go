package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleExecution(id string) state.ExecutionRecord {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return state.ExecutionRecord{
		ExecutionID: id,
		Owner:       "owner-1",
		MessageID:   "msg-1",
		Status:      "running",
		CreatedAt:   &created,
		UpdatedAt:   &created,
	}
}

func TestSaveAndLoadExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleExecution("exec-1")
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	loaded, err := store.LoadExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if loaded.Owner != rec.Owner || loaded.Status != rec.Status || loaded.MessageID != rec.MessageID {
		t.Fatalf("loaded record diverged: %+v", loaded)
	}
}

func TestSaveExecutionUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleExecution("exec-1")
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}

	completed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec.Status = "completed"
	rec.Outcome = "sent"
	rec.CompletedAt = &completed
	if err := store.SaveExecution(ctx, rec); err != nil {
		t.Fatalf("upsert returned error: %v", err)
	}

	loaded, err := store.LoadExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("LoadExecution returned error: %v", err)
	}
	if loaded.Status != "completed" || loaded.Outcome != "sent" {
		t.Fatalf("upsert did not apply: %+v", loaded)
	}
	if loaded.CompletedAt == nil || !loaded.CompletedAt.Equal(completed) {
		t.Fatalf("completed_at not persisted: %v", loaded.CompletedAt)
	}
}

func TestLoadMissingExecution(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadExecution(context.Background(), "ghost")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListExecutionsByStatusAndDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := sampleExecution("exec-overdue")
	overdue.Status = "suspended"
	overdue.Deadline = &past
	pending := sampleExecution("exec-pending")
	pending.Status = "suspended"
	pending.Deadline = &future
	done := sampleExecution("exec-done")
	done.Status = "completed"

	for _, rec := range []state.ExecutionRecord{overdue, pending, done} {
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
	if len(got) != 1 || got[0].ExecutionID != "exec-overdue" {
		t.Fatalf("expected only the overdue execution, got %+v", got)
	}

	byOwner, err := store.ListExecutions(ctx, state.ListQuery{Owner: "owner-1"})
	if err != nil {
		t.Fatalf("ListExecutions returned error: %v", err)
	}
	if len(byOwner) != 3 {
		t.Fatalf("expected 3 executions for owner, got %d", len(byOwner))
	}
}

func TestCheckpointSequenceConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cp := state.CheckpointRecord{
		ExecutionID: "exec-1",
		Seq:         1,
		Node:        "triage",
		State:       map[string]any{"status": "running"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint returned error: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, cp); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate seq, got %v", err)
	}
}

func TestLoadLatestCheckpoint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		cp := state.CheckpointRecord{
			ExecutionID: "exec-1",
			Seq:         seq,
			Node:        "respond",
			State:       map[string]any{"seq": seq},
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint returned error: %v", err)
		}
	}

	latest, err := store.LoadLatestCheckpoint(ctx, "exec-1")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint returned error: %v", err)
	}
	if latest.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", latest.Seq)
	}
	if latest.State["seq"].(float64) != 3 {
		t.Fatalf("latest state out of sync: %+v", latest.State)
	}

	history, err := store.ListCheckpoints(ctx, "exec-1", 2)
	if err != nil {
		t.Fatalf("ListCheckpoints returned error: %v", err)
	}
	if len(history) != 2 || history[0].Seq != 3 || history[1].Seq != 2 {
		t.Fatalf("unexpected checkpoint history: %+v", history)
	}
}

func TestLatestCheckpointMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadLatestCheckpoint(context.Background(), "ghost")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
