package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/inboxflow/inboxflow/types"
)

// ErrorKind distinguishes the gateway failure modes the workflow core
// reacts to. All three are transient from the caller's point of view
// and eligible for bounded retry.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindRateLimited     ErrorKind = "rate_limited"
)

type ModelError struct {
	Kind ErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("model error (%s)", e.Kind)
	}
	return fmt.Sprintf("model error (%s): %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewModelError(kind ErrorKind, err error) *ModelError {
	return &ModelError{Kind: kind, Err: err}
}

// IsRetryable reports whether err is a ModelError, i.e. a transient
// gateway condition worth another attempt. Anything else (context
// cancellation, programming errors) is not retried.
func IsRetryable(err error) bool {
	var modelErr *ModelError
	return errors.As(err, &modelErr)
}

type ClassifyRequest struct {
	System  string
	Prompt  string
	Allowed []types.Category
}

type Classification struct {
	Category   types.Category
	Confidence float64
	Rationale  string
}

// GenerateRequest carries the current draft state into one model turn.
// Results of earlier tool calls travel in Feedback so the model can
// converge on a finish.
type GenerateRequest struct {
	System   string
	Prompt   string
	Draft    string
	Feedback []types.ToolResult
	Tools    []types.ToolDefinition
}

// Action is the outcome of one Generate turn: either a finish carrying
// the final draft, or a single tool call to dispatch.
type Action struct {
	Finish   bool
	Draft    string
	ToolCall *types.ToolCall
}

// ModelGateway is the opaque model collaborator. Implementations must
// honor ctx deadlines and report failures through ModelError kinds.
type ModelGateway interface {
	Name() string
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
	Generate(ctx context.Context, req GenerateRequest) (Action, error)
}
