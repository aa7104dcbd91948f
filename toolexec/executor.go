package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/observe"
	"github.com/inboxflow/inboxflow/types"
)

const (
	defaultCallTimeout = 15 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 100 * time.Millisecond
)

// Executor dispatches tool calls with a per-call timeout and bounded
// retry on retryable failures.
type Executor struct {
	registry    *Registry
	sink        observe.Sink
	callTimeout time.Duration
	maxAttempts int
	backoff     time.Duration
}

type ExecutorOption func(*Executor)

func WithCallTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

func WithMaxAttempts(attempts int) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

func WithBackoff(backoff time.Duration) ExecutorOption {
	return func(e *Executor) {
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

func WithSink(sink observe.Sink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		sink:        observe.NoopSink{},
		callTimeout: defaultCallTimeout,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Definitions() []types.ToolDefinition {
	if e == nil {
		return nil
	}
	return e.registry.Definitions()
}

// Dispatch runs one tool call to completion. The returned error is
// non-nil only when every attempt failed; the ToolResult always
// records the outcome either way.
func (e *Executor) Dispatch(ctx context.Context, call types.ToolCall) (types.ToolResult, error) {
	result := types.ToolResult{CallID: call.ID, Name: call.Name}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
		result.Error = err.Error()
		return result, err
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		payload, err := e.invoke(ctx, tool, call)
		if err == nil {
			result.Payload = payload
			_ = e.sink.Emit(ctx, observe.Event{
				Kind:       observe.KindTool,
				Status:     observe.StatusCompleted,
				ToolName:   call.Name,
				DurationMs: time.Since(start).Milliseconds(),
			})
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == e.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(e.backoff * time.Duration(attempt)):
			continue
		}
		break
	}

	result.Error = lastErr.Error()
	_ = e.sink.Emit(ctx, observe.Event{
		Kind:       observe.KindTool,
		Status:     observe.StatusFailed,
		ToolName:   call.Name,
		Error:      lastErr.Error(),
		DurationMs: time.Since(start).Milliseconds(),
	})
	return result, lastErr
}

func (e *Executor) invoke(ctx context.Context, tool Tool, call types.ToolCall) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return tool.Invoke(callCtx, call.Arguments)
}
