package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/inboxflow/inboxflow/types"
)

var ErrToolNotFound = errors.New("tool not found")

// Tool is one side effect the response loop can dispatch. Invoke must
// be safe to retry when the returned error is marked retryable.
type Tool interface {
	Definition() types.ToolDefinition
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

type ToolError struct {
	Tool      string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("tool %s failed (%s): %v", e.Tool, kind, e.Err)
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Retryable(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Retryable: true, Err: err}
}

func Fatal(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Retryable: false, Err: err}
}

// IsRetryable reports whether err allows another attempt. Errors that
// are not ToolErrors are treated as fatal.
func IsRetryable(err error) bool {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	return false
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	if r == nil || t == nil {
		return
	}
	def := t.Definition()
	if def.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool definition sorted by name
// so prompts stay stable across runs.
func (r *Registry) Definitions() []types.ToolDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
