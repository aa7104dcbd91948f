package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/types"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	NodeTriage       = "triage"
	NodeRespond      = "respond"
	NodeAwaitHuman   = "await_human"
	NodeMemoryUpdate = "memory_update"
)

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeNotified Outcome = "notified"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// ExecutionState is the full mutable state of one execution. It is the
// unit of checkpointing: everything a restarted process needs to carry
// on lives here.
type ExecutionState struct {
	ExecutionID     string                `json:"executionId"`
	Owner           string                `json:"owner"`
	Message         types.Message         `json:"message"`
	Status          Status                `json:"status"`
	Node            string                `json:"node"`
	Triage          *types.TriageDecision `json:"triage,omitempty"`
	Draft           string                `json:"draft,omitempty"`
	PendingCalls    []types.ToolCall      `json:"pendingCalls,omitempty"`
	Trail           []types.DecisionStep  `json:"trail,omitempty"`
	Iterations      int                   `json:"iterations,omitempty"`
	Human           *types.HumanDecision  `json:"human,omitempty"`
	SuspendDeadline *time.Time            `json:"suspendDeadline,omitempty"`
	CheckpointSeq   int                   `json:"checkpointSeq,omitempty"`
	FailureReason   string                `json:"failureReason,omitempty"`
	Outcome         Outcome               `json:"outcome,omitempty"`
	CalendarEventID string                `json:"calendarEventId,omitempty"`
	StartedAt       time.Time             `json:"startedAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`

	// now is injected by the orchestrator so trail timestamps line up
	// with checkpoint and deadline times. Not part of the snapshot.
	now func() time.Time
}

// Record appends one step to the decision trail.
func (s *ExecutionState) Record(node, output string) {
	if s == nil {
		return
	}
	ts := time.Now().UTC()
	if s.now != nil {
		ts = s.now().UTC()
	}
	s.Trail = append(s.Trail, types.DecisionStep{
		Node:      node,
		Output:    output,
		Timestamp: ts,
	})
}

// Snapshot serializes the state to a plain map for checkpointing.
func (s *ExecutionState) Snapshot() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot execution state: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode execution snapshot: %w", err)
	}
	return out, nil
}

// RestoreState rebuilds an ExecutionState from a checkpoint snapshot.
func RestoreState(snapshot map[string]any) (*ExecutionState, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint snapshot: %w", err)
	}
	st := &ExecutionState{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("failed to restore execution state: %w", err)
	}
	if st.ExecutionID == "" {
		return nil, fmt.Errorf("checkpoint snapshot is missing executionId")
	}
	return st, nil
}
