package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/inboxflow/inboxflow/gateway"
	"github.com/inboxflow/inboxflow/memory"
	"github.com/inboxflow/inboxflow/toolexec"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

const defaultMaxIterations = 10

const respondSystemPrompt = `You draft email replies for a busy professional.
Use the available tools to gather what you need, then produce the final
reply text. Keep replies short and concrete. When the message proposes a
meeting, book a slot with create_calendar_event before finishing.
Never call send_reply yourself; the owner approves every outbound reply.`

// ResponseNode runs the bounded drafting loop. Calendar bookings are
// dispatched immediately; the reply itself is queued for human
// approval, never sent from here.
type ResponseNode struct {
	gateway       gateway.ModelGateway
	executor      *toolexec.Executor
	memory        memory.Store
	retry         gateway.RetryPolicy
	maxIterations int
}

type ResponseOption func(*ResponseNode)

func ResponseWithRetry(policy gateway.RetryPolicy) ResponseOption {
	return func(n *ResponseNode) { n.retry = policy.Normalize() }
}

func ResponseWithMaxIterations(limit int) ResponseOption {
	return func(n *ResponseNode) {
		if limit > 0 {
			n.maxIterations = limit
		}
	}
}

func NewResponseNode(gw gateway.ModelGateway, executor *toolexec.Executor, mem memory.Store, opts ...ResponseOption) *ResponseNode {
	n := &ResponseNode{
		gateway:       gw,
		executor:      executor,
		memory:        mem,
		retry:         gateway.DefaultRetryPolicy(),
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *ResponseNode) Draft(ctx context.Context, st *workflow.ExecutionState) error {
	prompt, err := n.buildPrompt(ctx, st)
	if err != nil {
		return err
	}
	tools := draftingTools(n.executor.Definitions())

	var feedback []types.ToolResult
	for st.Iterations < n.maxIterations {
		st.Iterations++

		var action gateway.Action
		callErr := n.retry.Do(ctx, func() error {
			var err error
			action, err = n.gateway.Generate(ctx, gateway.GenerateRequest{
				System:   respondSystemPrompt,
				Prompt:   prompt,
				Draft:    st.Draft,
				Feedback: feedback,
				Tools:    tools,
			})
			return err
		})
		if callErr != nil {
			return &workflow.NodeError{
				Node:   workflow.NodeRespond,
				Reason: workflow.ReasonModelFailure,
				Err:    fmt.Errorf("drafting turn failed: %w", callErr),
			}
		}

		if action.Finish {
			if strings.TrimSpace(action.Draft) == "" {
				return &workflow.NodeError{
					Node:   workflow.NodeRespond,
					Reason: workflow.ReasonModelFailure,
					Err:    fmt.Errorf("drafting finished with an empty draft"),
				}
			}
			st.Draft = action.Draft
			n.queueOutbound(st)
			return nil
		}

		call := action.ToolCall
		if call == nil {
			return &workflow.NodeError{
				Node:   workflow.NodeRespond,
				Reason: workflow.ReasonModelFailure,
				Err:    fmt.Errorf("drafting turn produced neither finish nor tool call"),
			}
		}

		// The model sometimes reaches for send_reply despite the
		// instructions; treat its body as the draft and stop.
		if call.Name == "send_reply" {
			body := gjson.GetBytes(call.Arguments, "body").String()
			if strings.TrimSpace(body) == "" {
				return &workflow.NodeError{
					Node:   workflow.NodeRespond,
					Reason: workflow.ReasonModelFailure,
					Err:    fmt.Errorf("send_reply call carried no body"),
				}
			}
			st.Draft = body
			n.queueOutbound(st)
			return nil
		}

		result, err := n.executor.Dispatch(ctx, *call)
		if err != nil {
			return &workflow.NodeError{
				Node:   workflow.NodeRespond,
				Reason: workflow.ReasonToolFailure,
				Err:    err,
			}
		}
		if call.Name == "create_calendar_event" {
			st.CalendarEventID = gjson.GetBytes(result.Payload, "eventId").String()
		}
		feedback = append(feedback, result)
	}

	return &workflow.NodeError{
		Node:   workflow.NodeRespond,
		Reason: workflow.ReasonIterationLimit,
		Err:    fmt.Errorf("drafting did not converge within %d iterations", n.maxIterations),
	}
}

// queueOutbound stages the approved-pending side effects: the reply on
// the thread, then marking the inbound message read.
func (n *ResponseNode) queueOutbound(st *workflow.ExecutionState) {
	replyArgs, _ := json.Marshal(map[string]string{
		"threadId": st.Message.ThreadID,
		"to":       st.Message.Sender,
		"body":     st.Draft,
	})
	readArgs, _ := json.Marshal(map[string]string{
		"messageId": st.Message.ID,
	})
	st.PendingCalls = []types.ToolCall{
		{Name: "send_reply", Arguments: replyArgs},
		{Name: "mark_read", Arguments: readArgs},
	}
}

func (n *ResponseNode) buildPrompt(ctx context.Context, st *workflow.ExecutionState) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", st.Message.Sender)
	if st.Message.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", st.Message.Subject)
	}
	fmt.Fprintf(&b, "\n%s\n", st.Message.Body)

	if n.memory != nil {
		styles, err := n.memory.List(ctx, st.Owner, memory.CategoryResponseStyle)
		if err != nil && !isNotFound(err) {
			return "", fmt.Errorf("failed to load response style preferences: %w", err)
		}
		if len(styles) > 0 {
			b.WriteString("\nOwner reply preferences:\n")
			for _, style := range styles {
				fmt.Fprintf(&b, "- %s\n", style.Value)
			}
		}
		scheduling, err := n.memory.List(ctx, st.Owner, memory.CategorySchedulingPreference)
		if err != nil && !isNotFound(err) {
			return "", fmt.Errorf("failed to load scheduling preferences: %w", err)
		}
		if len(scheduling) > 0 {
			b.WriteString("\nOwner scheduling preferences:\n")
			for _, pref := range scheduling {
				fmt.Fprintf(&b, "- %s\n", pref.Value)
			}
		}
	}
	return b.String(), nil
}

// draftingTools filters out send_reply: it is queued by the node, not
// offered to the model.
func draftingTools(defs []types.ToolDefinition) []types.ToolDefinition {
	out := make([]types.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		if def.Name == "send_reply" || def.Name == "mark_read" {
			continue
		}
		out = append(out, def)
	}
	return out
}
