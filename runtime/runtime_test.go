package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/state"
	"github.com/inboxflow/inboxflow/toolexec"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

type fixedTriager struct {
	category types.Category
}

func (t *fixedTriager) Triage(_ context.Context, st *workflow.ExecutionState) error {
	st.Triage = &types.TriageDecision{Category: t.category, DecidedAt: time.Now().UTC()}
	return nil
}

type fixedDrafter struct{}

func (fixedDrafter) Draft(_ context.Context, st *workflow.ExecutionState) error {
	st.Draft = "draft"
	return nil
}

type countingMemoryWriter struct {
	mu    sync.Mutex
	count int
}

func (m *countingMemoryWriter) Update(context.Context, *workflow.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newOrchestrator(t *testing.T, store state.Store, category types.Category, clock *testClock) *workflow.Orchestrator {
	t.Helper()
	executor := toolexec.NewExecutor(toolexec.NewRegistry())
	orchestrator, err := workflow.New(store, &fixedTriager{category: category}, fixedDrafter{}, &countingMemoryWriter{}, executor,
		workflow.WithClock(clock.Now),
		workflow.WithSuspendTTL(time.Hour),
	)
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orchestrator
}

func TestPoolProcessesBatchInOrder(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	orchestrator := newOrchestrator(t, state.NewMemStore(), types.CategoryIgnore, clock)
	pool, err := NewPool(orchestrator, PoolWithConcurrency(2))
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}

	items := make([]IntakeItem, 5)
	for i := range items {
		items[i] = IntakeItem{
			Owner: "owner-1",
			Message: types.Message{
				ID:     fmt.Sprintf("msg-%d", i),
				Sender: "alice@example.com",
				Body:   "hello",
			},
		}
	}

	results, err := pool.Process(context.Background(), items)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, res := range results {
		if res.Status != workflow.StatusCompleted {
			t.Fatalf("item %d not completed: %+v", i, res)
		}
	}
}

func TestSweeperExpiresOverdueExecutions(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := state.NewMemStore()
	orchestrator := newOrchestrator(t, store, types.CategoryNotify, clock)

	started, err := orchestrator.Start(context.Background(), "owner-1", types.Message{
		ID:     "msg-1",
		Sender: "alice@example.com",
		Body:   "fyi",
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if started.Status != workflow.StatusSuspended {
		t.Fatalf("expected a suspended execution, got %s", started.Status)
	}

	sweeper, err := NewSweeper(store, orchestrator, SweeperWithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to build sweeper: %v", err)
	}

	// Nothing is overdue yet.
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no expirations before the deadline, got %d", n)
	}

	clock.Advance(2 * time.Hour)
	n, err = sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expiration, got %d", n)
	}

	rec, err := store.LoadExecution(context.Background(), started.ExecutionID)
	if err != nil {
		t.Fatalf("failed to load execution: %v", err)
	}
	if rec.Status != string(workflow.StatusCompleted) {
		t.Fatalf("expired execution not settled: %s", rec.Status)
	}

	// A second sweep finds nothing left to do.
	n, err = sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected an empty sweep, got %d", n)
	}
}
