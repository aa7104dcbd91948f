package types

import (
	"encoding/json"
	"time"
)

// Message is one inbound message. It is never mutated after ingestion.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"threadId,omitempty"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type Category string

const (
	CategoryRespond Category = "respond"
	CategoryNotify  Category = "notify"
	CategoryIgnore  Category = "ignore"
)

// Categories lists every valid triage category, in the order they are
// offered to the model.
func Categories() []Category {
	return []Category{CategoryRespond, CategoryNotify, CategoryIgnore}
}

func ParseCategory(raw string) (Category, bool) {
	switch Category(raw) {
	case CategoryRespond, CategoryNotify, CategoryIgnore:
		return Category(raw), true
	}
	return "", false
}

// TriageDecision is produced exactly once per message and is immutable
// after the execution leaves the triage node.
type TriageDecision struct {
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	CallID  string          `json:"callId,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ToolDefinition describes a tool offered to the model gateway.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

// DecisionStep is one entry in an execution's decision trail.
type DecisionStep struct {
	Node      string    `json:"node"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
	ReviewEdit    ReviewAction = "edit"
)

func ParseReviewAction(raw string) (ReviewAction, bool) {
	switch ReviewAction(raw) {
	case ReviewApprove, ReviewReject, ReviewEdit:
		return ReviewAction(raw), true
	}
	return "", false
}

// HumanDecision is the external input that resumes a suspended
// execution. Token carries the checkpoint version the reviewer saw;
// zero means "latest".
type HumanDecision struct {
	Action    ReviewAction `json:"action"`
	Content   string       `json:"content,omitempty"`
	Token     int          `json:"token,omitempty"`
	DecidedAt time.Time    `json:"decidedAt"`
}
