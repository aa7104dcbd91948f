package observe

import "time"

type Kind string

type Status string

const (
	KindExecution  Kind = "execution"
	KindNode       Kind = "node"
	KindGateway    Kind = "gateway"
	KindTool       Kind = "tool"
	KindCheckpoint Kind = "checkpoint"
	KindSuspend    Kind = "suspend"
	KindMemory     Kind = "memory"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	ID          string         `json:"id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"executionId,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status,omitempty"`
	Name        string         `json:"name,omitempty"`
	Node        string         `json:"node,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Status == "" {
		e.Status = StatusCompleted
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
