package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/types"
)

type flakyTool struct {
	name     string
	failures int
	calls    int
	fatal    bool
}

func (t *flakyTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{Name: t.name, Description: "test tool"}
}

func (t *flakyTool) Invoke(context.Context, json.RawMessage) (json.RawMessage, error) {
	t.calls++
	if t.calls <= t.failures {
		if t.fatal {
			return nil, Fatal(t.name, fmt.Errorf("permanent failure"))
		}
		return nil, Retryable(t.name, fmt.Errorf("transient failure"))
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	tool := &flakyTool{name: "send_reply", failures: 2}
	executor := NewExecutor(NewRegistry(tool), WithMaxAttempts(3), WithBackoff(time.Millisecond))

	result, err := executor.Dispatch(context.Background(), types.ToolCall{Name: "send_reply"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if tool.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tool.calls)
	}
	if result.Error != "" || len(result.Payload) == 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatchStopsOnFatal(t *testing.T) {
	tool := &flakyTool{name: "send_reply", failures: 5, fatal: true}
	executor := NewExecutor(NewRegistry(tool), WithMaxAttempts(3), WithBackoff(time.Millisecond))

	result, err := executor.Dispatch(context.Background(), types.ToolCall{Name: "send_reply"})
	if err == nil {
		t.Fatalf("expected a dispatch error")
	}
	if tool.calls != 1 {
		t.Fatalf("fatal failures must not retry, got %d attempts", tool.calls)
	}
	if result.Error == "" {
		t.Fatalf("result must record the failure")
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	tool := &flakyTool{name: "send_reply", failures: 10}
	executor := NewExecutor(NewRegistry(tool), WithMaxAttempts(3), WithBackoff(time.Millisecond))

	_, err := executor.Dispatch(context.Background(), types.ToolCall{Name: "send_reply"})
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected a tool error, got %v", err)
	}
	if tool.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tool.calls)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	executor := NewExecutor(NewRegistry())

	_, err := executor.Dispatch(context.Background(), types.ToolCall{Name: "ghost"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	registry := NewRegistry(
		&flakyTool{name: "send_reply"},
		&flakyTool{name: "create_calendar_event"},
		&flakyTool{name: "mark_read"},
	)
	defs := registry.Definitions()
	want := []string{"create_calendar_event", "mark_read", "send_reply"}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Fatalf("definitions out of order: got %s at %d, want %s", defs[i].Name, i, name)
		}
	}
}

func TestSendReplyToolValidatesArgs(t *testing.T) {
	tool := NewSendReplyTool(NewLogTransport(nil))

	if _, err := tool.Invoke(context.Background(), json.RawMessage(`{"threadId":"t1","to":"a@b.c","body":""}`)); err == nil {
		t.Fatalf("expected an error for an empty body")
	}
	payload, err := tool.Invoke(context.Background(), json.RawMessage(`{"threadId":"t1","to":"a@b.c","body":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if string(payload) != `{"sent":true}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

// rejectingTransport permanently refuses delivery, the way a mail
// backend rejects an invalid recipient.
type rejectingTransport struct {
	calls int
}

func (t *rejectingTransport) SendReply(context.Context, string, string, string) error {
	t.calls++
	return Fatal("send_reply", fmt.Errorf("invalid recipient"))
}

func (t *rejectingTransport) MarkRead(context.Context, string) error { return nil }

func TestSendReplyKeepsTransportClassification(t *testing.T) {
	transport := &rejectingTransport{}
	executor := NewExecutor(NewRegistry(NewSendReplyTool(transport)), WithMaxAttempts(3), WithBackoff(time.Millisecond))

	_, err := executor.Dispatch(context.Background(), types.ToolCall{
		Name:      "send_reply",
		Arguments: json.RawMessage(`{"threadId":"t1","to":"nobody@","body":"hi"}`),
	})
	if err == nil {
		t.Fatalf("expected a dispatch error")
	}
	if IsRetryable(err) {
		t.Fatalf("a fatal transport rejection must stay fatal, got %v", err)
	}
	if transport.calls != 1 {
		t.Fatalf("permanent rejections must not burn the retry budget, got %d attempts", transport.calls)
	}
}

func TestCreateEventToolParsesStart(t *testing.T) {
	tool := NewCreateEventTool(NewLogTransport(nil))

	if _, err := tool.Invoke(context.Background(), json.RawMessage(`{"title":"sync","start":"tomorrow"}`)); err == nil {
		t.Fatalf("expected an error for a non-RFC3339 start")
	}
	payload, err := tool.Invoke(context.Background(), json.RawMessage(`{"title":"sync","start":"2026-03-02T14:00:00Z","durationMinutes":30}`))
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if out["eventId"] == "" {
		t.Fatalf("expected an event id, got %+v", out)
	}
}

func TestSchemaForDescribesFields(t *testing.T) {
	schema := schemaFor(&sendReplyArgs{})
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %+v", schema)
	}
	for _, field := range []string{"threadId", "to", "body"} {
		if _, ok := props[field]; !ok {
			t.Fatalf("schema is missing field %q: %+v", field, props)
		}
	}
}
