package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotSuspended       = errors.New("execution is not suspended")
	ErrStaleCheckpoint    = errors.New("decision references a stale checkpoint")
	ErrDeadlineNotReached = errors.New("suspend deadline has not been reached")
	ErrAlreadyTerminal    = errors.New("execution already reached a terminal status")
	ErrDecisionConflict   = errors.New("a concurrent decision claimed the execution")
)

// Failure reasons recorded on executions that reach StatusFailed.
const (
	ReasonIterationLimit = "IterationLimitExceeded"
	ReasonToolFailure    = "ToolExecutionFailed"
	ReasonModelFailure   = "ModelCallFailed"
	ReasonTriageFailure  = "TriageFailed"
	ReasonCancelled      = "Cancelled"
)

// NodeError carries a failure out of a node along with the reason the
// execution record should persist.
type NodeError struct {
	Node   string
	Reason string
	Err    error
}

func (e *NodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("node %s failed (%s): %v", e.Node, e.Reason, e.Err)
}

func (e *NodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
