package state

import "time"

// ExecutionRecord is the durable view of one workflow execution. It is
// upserted on every status transition; the full state travels in
// checkpoints.
type ExecutionRecord struct {
	ExecutionID string         `json:"executionId"`
	Owner       string         `json:"owner"`
	MessageID   string         `json:"messageId"`
	Status      string         `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	Error       string         `json:"error,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// CheckpointRecord is one durable snapshot of an execution. Seq is
// monotonic per execution; resume always reads the highest Seq.
type CheckpointRecord struct {
	ExecutionID string         `json:"executionId"`
	Seq         int            `json:"seq"`
	Node        string         `json:"node"`
	State       map[string]any `json:"state,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
