package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inboxflow/inboxflow/gateway"
	"github.com/inboxflow/inboxflow/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client, server
}

func chatContent(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestClassifyParsesValidOutput(t *testing.T) {
	client, _ := newTestClient(t, chatContent(`{"category":"respond","confidence":0.92,"rationale":"direct question"}`))

	got, err := client.Classify(context.Background(), gateway.ClassifyRequest{
		System: "triage",
		Prompt: "From: alice@example.com",
	})
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if got.Category != types.CategoryRespond || got.Confidence != 0.92 {
		t.Fatalf("unexpected classification: %+v", got)
	}
}

func TestClassifyStripsCodeFences(t *testing.T) {
	client, _ := newTestClient(t, chatContent("```json\n{\"category\":\"ignore\",\"confidence\":0.7}\n```"))

	got, err := client.Classify(context.Background(), gateway.ClassifyRequest{Prompt: "spam"})
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if got.Category != types.CategoryIgnore {
		t.Fatalf("unexpected category: %s", got.Category)
	}
}

func TestClassifyRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown category", `{"category":"archive","confidence":0.9}`},
		{"missing confidence", `{"category":"respond"}`},
		{"confidence out of range", `{"category":"respond","confidence":1.7}`},
		{"not json", `respond, probably`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, chatContent(tc.content))
			_, err := client.Classify(context.Background(), gateway.ClassifyRequest{Prompt: "hello"})
			var modelErr *gateway.ModelError
			if !errors.As(err, &modelErr) || modelErr.Kind != gateway.KindMalformedOutput {
				t.Fatalf("expected malformed output error, got %v", err)
			}
		})
	}
}

func TestRateLimitMapsToModelError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := client.Classify(context.Background(), gateway.ClassifyRequest{Prompt: "hello"})
	var modelErr *gateway.ModelError
	if !errors.As(err, &modelErr) || modelErr.Kind != gateway.KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestServerErrorIsNotRetryableModelError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := client.Classify(context.Background(), gateway.ClassifyRequest{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if gateway.IsRetryable(err) {
		t.Fatalf("4xx API errors must not be retryable: %v", err)
	}
}

func TestGenerateReturnsToolCall(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call-1",
							"type": "function",
							"function": map[string]any{
								"name":      "create_calendar_event",
								"arguments": `{"title":"sync"}`,
							},
						},
					},
				}},
			},
		})
	})

	action, err := client.Generate(context.Background(), gateway.GenerateRequest{Prompt: "book it"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if action.Finish {
		t.Fatalf("tool call must not finish the turn")
	}
	if action.ToolCall == nil || action.ToolCall.Name != "create_calendar_event" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestGenerateReturnsFinish(t *testing.T) {
	client, _ := newTestClient(t, chatContent("Happy to meet at 2pm."))

	action, err := client.Generate(context.Background(), gateway.GenerateRequest{Prompt: "draft a reply"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !action.Finish || action.Draft == "" {
		t.Fatalf("expected a finishing draft, got %+v", action)
	}
}

func TestGenerateSendsToolResultsBack(t *testing.T) {
	var captured struct {
		Messages []map[string]any `json:"messages"`
	}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		chatContent("done")(w, r)
	})

	_, err := client.Generate(context.Background(), gateway.GenerateRequest{
		Prompt: "draft",
		Feedback: []types.ToolResult{
			{CallID: "call-1", Name: "create_calendar_event", Payload: json.RawMessage(`{"eventId":"evt-1"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	found := false
	for _, msg := range captured.Messages {
		if msg["role"] == "tool" && msg["tool_call_id"] == "call-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool feedback missing from request: %+v", captured.Messages)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected an error for an empty api key")
	}
}
