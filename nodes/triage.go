package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxflow/inboxflow/gateway"
	"github.com/inboxflow/inboxflow/memory"
	"github.com/inboxflow/inboxflow/observe"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

const triageSystemPrompt = `You triage inbound email for a busy professional.
Classify the message as exactly one of: respond, notify, ignore.
Respond means a reply should be drafted. Notify means the owner should
see it but no reply is needed. Ignore means it can be dropped.
Answer with a JSON object: {"category": ..., "confidence": ..., "rationale": ...}.`

// TriageNode classifies the inbound message. It never propagates model
// failures: after retries are exhausted it falls back to notify so a
// human always sees the message.
type TriageNode struct {
	gateway gateway.ModelGateway
	memory  memory.Store
	retry   gateway.RetryPolicy
	sink    observe.Sink
}

type TriageOption func(*TriageNode)

func TriageWithRetry(policy gateway.RetryPolicy) TriageOption {
	return func(n *TriageNode) { n.retry = policy.Normalize() }
}

func TriageWithSink(sink observe.Sink) TriageOption {
	return func(n *TriageNode) {
		if sink != nil {
			n.sink = sink
		}
	}
}

func NewTriageNode(gw gateway.ModelGateway, mem memory.Store, opts ...TriageOption) *TriageNode {
	n := &TriageNode{
		gateway: gw,
		memory:  mem,
		retry:   gateway.DefaultRetryPolicy(),
		sink:    observe.NoopSink{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *TriageNode) Triage(ctx context.Context, st *workflow.ExecutionState) error {
	prompt, err := n.buildPrompt(ctx, st)
	if err != nil {
		return err
	}

	var classification gateway.Classification
	callErr := n.retry.Do(ctx, func() error {
		var err error
		classification, err = n.gateway.Classify(ctx, gateway.ClassifyRequest{
			System:  triageSystemPrompt,
			Prompt:  prompt,
			Allowed: types.Categories(),
		})
		return err
	})
	if callErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Fail closed: an unclassifiable message goes to the human.
		_ = n.sink.Emit(ctx, observe.Event{
			Kind:        observe.KindGateway,
			Status:      observe.StatusFailed,
			ExecutionID: st.ExecutionID,
			Node:        workflow.NodeTriage,
			Error:       callErr.Error(),
		})
		st.Triage = &types.TriageDecision{
			Category:  types.CategoryNotify,
			Rationale: fmt.Sprintf("triage unavailable, escalating to owner: %v", callErr),
			DecidedAt: nowUTC(),
		}
		return nil
	}

	st.Triage = &types.TriageDecision{
		Category:   classification.Category,
		Confidence: classification.Confidence,
		Rationale:  classification.Rationale,
		DecidedAt:  nowUTC(),
	}
	return nil
}

// buildPrompt folds the owner's learned triage rules into the message
// context so past decisions steer new ones.
func (n *TriageNode) buildPrompt(ctx context.Context, st *workflow.ExecutionState) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", st.Message.Sender)
	if st.Message.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", st.Message.Subject)
	}
	fmt.Fprintf(&b, "\n%s\n", st.Message.Body)

	if n.memory != nil {
		rules, err := n.memory.List(ctx, st.Owner, memory.CategoryTriageRule)
		if err != nil && !isNotFound(err) {
			return "", fmt.Errorf("failed to load triage rules: %w", err)
		}
		if len(rules) > 0 {
			b.WriteString("\nLearned triage rules for this owner:\n")
			for _, rule := range rules {
				fmt.Fprintf(&b, "- %s: %s\n", rule.Key, rule.Value)
			}
		}
	}
	return b.String(), nil
}
