package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inboxflow/inboxflow/memory"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

// MemoryUpdateNode distills the settled execution into preference
// records: a triage rule keyed by sender on every execution, a response
// style signal when the human edited the draft, and a scheduling
// preference when a calendar event was booked.
type MemoryUpdateNode struct {
	memory memory.Store
}

func NewMemoryUpdateNode(mem memory.Store) *MemoryUpdateNode {
	return &MemoryUpdateNode{memory: mem}
}

func (n *MemoryUpdateNode) Update(ctx context.Context, st *workflow.ExecutionState) error {
	if n.memory == nil {
		return fmt.Errorf("memory store is not configured")
	}
	if st.Triage == nil {
		return fmt.Errorf("execution settled without a triage decision")
	}

	if err := n.writeTriageRule(ctx, st); err != nil {
		return err
	}
	if st.Human != nil && st.Human.Action == types.ReviewEdit {
		if err := n.writeResponseStyle(ctx, st); err != nil {
			return err
		}
	}
	if st.CalendarEventID != "" {
		if err := n.writeSchedulingPreference(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (n *MemoryUpdateNode) writeTriageRule(ctx context.Context, st *workflow.ExecutionState) error {
	rule := map[string]string{
		"category": string(st.Triage.Category),
		"outcome":  string(st.Outcome),
	}
	if st.Human != nil {
		rule["review"] = string(st.Human.Action)
	}
	value, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode triage rule: %w", err)
	}
	if _, err := n.memory.Put(ctx, st.Owner, memory.CategoryTriageRule, st.Message.Sender, string(value)); err != nil {
		return fmt.Errorf("failed to store triage rule: %w", err)
	}
	return nil
}

func (n *MemoryUpdateNode) writeResponseStyle(ctx context.Context, st *workflow.ExecutionState) error {
	signal := map[string]string{
		"note":  "owner rewrote the drafted reply; prefer this phrasing",
		"draft": st.Human.Content,
	}
	value, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to encode response style signal: %w", err)
	}
	if _, err := n.memory.Put(ctx, st.Owner, memory.CategoryResponseStyle, st.Message.Sender, string(value)); err != nil {
		return fmt.Errorf("failed to store response style signal: %w", err)
	}
	return nil
}

func (n *MemoryUpdateNode) writeSchedulingPreference(ctx context.Context, st *workflow.ExecutionState) error {
	pref := map[string]string{
		"eventId": st.CalendarEventID,
		"note":    "meeting booked from this thread",
	}
	value, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("failed to encode scheduling preference: %w", err)
	}
	if _, err := n.memory.Put(ctx, st.Owner, memory.CategorySchedulingPreference, st.Message.Sender, string(value)); err != nil {
		return fmt.Errorf("failed to store scheduling preference: %w", err)
	}
	return nil
}
