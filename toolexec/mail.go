package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inboxflow/inboxflow/types"
)

// MailTransport delivers outbound mail actions. Implementations wrap a
// real provider; LogTransport stands in for development.
type MailTransport interface {
	SendReply(ctx context.Context, threadID, to, body string) error
	MarkRead(ctx context.Context, messageID string) error
}

// CalendarTransport books calendar slots proposed during drafting.
type CalendarTransport interface {
	CreateEvent(ctx context.Context, title string, start time.Time, durationMinutes int, attendees []string) (string, error)
}

// transportErr keeps a transport's own retryable/fatal classification.
// A transport that cannot tell (or predates the distinction) gets the
// retryable default.
func transportErr(tool string, err error) error {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return err
	}
	return Retryable(tool, err)
}

type sendReplyArgs struct {
	ThreadID string `json:"threadId" jsonschema:"description=Thread the reply belongs to"`
	To       string `json:"to" jsonschema:"description=Recipient address"`
	Body     string `json:"body" jsonschema:"description=Reply body"`
}

type SendReplyTool struct {
	transport MailTransport
}

func NewSendReplyTool(transport MailTransport) *SendReplyTool {
	return &SendReplyTool{transport: transport}
}

func (t *SendReplyTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "send_reply",
		Description: "Send the approved reply on the message thread.",
		JSONSchema:  schemaFor(&sendReplyArgs{}),
	}
}

func (t *SendReplyTool) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args sendReplyArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, Fatal("send_reply", fmt.Errorf("invalid arguments: %w", err))
	}
	if strings.TrimSpace(args.Body) == "" {
		return nil, Fatal("send_reply", fmt.Errorf("reply body is required"))
	}
	if err := t.transport.SendReply(ctx, args.ThreadID, args.To, args.Body); err != nil {
		return nil, transportErr("send_reply", err)
	}
	return json.RawMessage(`{"sent":true}`), nil
}

type markReadArgs struct {
	MessageID string `json:"messageId" jsonschema:"description=Message to mark as read"`
}

type MarkReadTool struct {
	transport MailTransport
}

func NewMarkReadTool(transport MailTransport) *MarkReadTool {
	return &MarkReadTool{transport: transport}
}

func (t *MarkReadTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "mark_read",
		Description: "Mark the inbound message as read.",
		JSONSchema:  schemaFor(&markReadArgs{}),
	}
}

func (t *MarkReadTool) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args markReadArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, Fatal("mark_read", fmt.Errorf("invalid arguments: %w", err))
	}
	if args.MessageID == "" {
		return nil, Fatal("mark_read", fmt.Errorf("messageId is required"))
	}
	if err := t.transport.MarkRead(ctx, args.MessageID); err != nil {
		return nil, transportErr("mark_read", err)
	}
	return json.RawMessage(`{"read":true}`), nil
}

type createEventArgs struct {
	Title           string   `json:"title" jsonschema:"description=Event title"`
	Start           string   `json:"start" jsonschema:"description=Start time in RFC 3339"`
	DurationMinutes int      `json:"durationMinutes" jsonschema:"description=Event length in minutes"`
	Attendees       []string `json:"attendees,omitempty" jsonschema:"description=Attendee addresses"`
}

type CreateEventTool struct {
	transport CalendarTransport
}

func NewCreateEventTool(transport CalendarTransport) *CreateEventTool {
	return &CreateEventTool{transport: transport}
}

func (t *CreateEventTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "create_calendar_event",
		Description: "Create a calendar event for a proposed meeting slot.",
		JSONSchema:  schemaFor(&createEventArgs{}),
	}
}

func (t *CreateEventTool) Invoke(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args createEventArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, Fatal("create_calendar_event", fmt.Errorf("invalid arguments: %w", err))
	}
	start, err := time.Parse(time.RFC3339, args.Start)
	if err != nil {
		return nil, Fatal("create_calendar_event", fmt.Errorf("invalid start time: %w", err))
	}
	if args.DurationMinutes <= 0 {
		args.DurationMinutes = 30
	}
	eventID, err := t.transport.CreateEvent(ctx, args.Title, start, args.DurationMinutes, args.Attendees)
	if err != nil {
		return nil, transportErr("create_calendar_event", err)
	}
	payload, _ := json.Marshal(map[string]any{"eventId": eventID})
	return payload, nil
}

// LogTransport is the development stand-in for both transports: every
// action is logged and reported successful.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendReply(ctx context.Context, threadID, to, body string) error {
	t.logger.InfoContext(ctx, "send reply", "thread_id", threadID, "to", to, "bytes", len(body))
	return nil
}

func (t *LogTransport) MarkRead(ctx context.Context, messageID string) error {
	t.logger.InfoContext(ctx, "mark read", "message_id", messageID)
	return nil
}

func (t *LogTransport) CreateEvent(ctx context.Context, title string, start time.Time, durationMinutes int, attendees []string) (string, error) {
	t.logger.InfoContext(ctx, "create calendar event",
		"title", title,
		"start", start.Format(time.RFC3339),
		"duration_minutes", durationMinutes,
		"attendees", len(attendees),
	)
	return "evt-" + start.UTC().Format("20060102T150405Z"), nil
}
