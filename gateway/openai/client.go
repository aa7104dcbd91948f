package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/inboxflow/inboxflow/gateway"
	"github.com/inboxflow/inboxflow/types"
)

const defaultModel = "gpt-4o-mini"

// classificationSchema is enforced against the model's triage output
// before it is trusted. A response that does not validate is reported
// as malformed so the caller can retry.
const classificationSchema = `{
  "type": "object",
  "required": ["category", "confidence"],
  "properties": {
    "category": {"type": "string", "enum": ["respond", "notify", "ignore"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"}
  }
}`

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	schema     *gojsonschema.Schema
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(classificationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile classification schema: %w", err)
	}
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: "https://api.openai.com",
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		schema: schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Classify(ctx context.Context, req gateway.ClassifyRequest) (gateway.Classification, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	body, err := c.complete(ctx, payload)
	if err != nil {
		return gateway.Classification{}, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	if strings.TrimSpace(content) == "" {
		return gateway.Classification{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("empty classification content"))
	}
	// Models occasionally fence their JSON even in json_object mode.
	content = stripFences(content)

	result, err := c.schema.Validate(gojsonschema.NewStringLoader(content))
	if err != nil {
		return gateway.Classification{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("classification is not valid json: %w", err))
	}
	if !result.Valid() {
		return gateway.Classification{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("classification failed schema: %s", schemaErrors(result)))
	}

	category, ok := types.ParseCategory(gjson.Get(content, "category").String())
	if !ok {
		return gateway.Classification{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("unknown category %q", gjson.Get(content, "category").String()))
	}
	return gateway.Classification{
		Category:   category,
		Confidence: gjson.Get(content, "confidence").Float(),
		Rationale:  gjson.Get(content, "rationale").String(),
	}, nil
}

func (c *Client) Generate(ctx context.Context, req gateway.GenerateRequest) (gateway.Action, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Draft != "" {
		payload.Messages = append(payload.Messages, chatMessage{
			Role:    "assistant",
			Content: req.Draft,
		})
	}
	for _, fb := range req.Feedback {
		content := string(fb.Payload)
		if fb.Error != "" {
			content = fmt.Sprintf(`{"error":%q}`, fb.Error)
		}
		payload.Messages = append(payload.Messages, chatMessage{
			Role:       "tool",
			Name:       fb.Name,
			ToolCallID: fb.CallID,
			Content:    content,
		})
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
		payload.Tools = toChatTools(req.Tools)
	}

	body, err := c.complete(ctx, payload)
	if err != nil {
		return gateway.Action{}, err
	}

	calls := gjson.GetBytes(body, "choices.0.message.tool_calls")
	if calls.Exists() && len(calls.Array()) > 0 {
		first := calls.Array()[0]
		name := first.Get("function.name").String()
		if name == "" {
			return gateway.Action{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("tool call missing function name"))
		}
		args := first.Get("function.arguments").String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return gateway.Action{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("tool call arguments are not valid json"))
		}
		return gateway.Action{
			ToolCall: &types.ToolCall{
				ID:        first.Get("id").String(),
				Name:      name,
				Arguments: json.RawMessage(args),
			},
		}, nil
	}

	content := gjson.GetBytes(body, "choices.0.message.content").String()
	if strings.TrimSpace(content) == "" {
		return gateway.Action{}, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("empty assistant content"))
	}
	return gateway.Action{Finish: true, Draft: content}, nil
}

func (c *Client) complete(ctx context.Context, payload chatRequest) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, gateway.NewModelError(gateway.KindTimeout, err)
		}
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, gateway.NewModelError(gateway.KindRateLimited, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if len(gjson.GetBytes(body, "choices").Array()) == 0 {
		return nil, gateway.NewModelError(gateway.KindMalformedOutput, fmt.Errorf("chat response had no choices"))
	}
	return body, nil
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func schemaErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

func toChatTools(in []types.ToolDefinition) []chatTool {
	tools := make([]chatTool, 0, len(in))
	for _, t := range in {
		params := t.JSONSchema
		if len(params) == 0 {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}
