package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/inboxflow/inboxflow/observe"
	"github.com/inboxflow/inboxflow/state"
	"github.com/inboxflow/inboxflow/toolexec"
	"github.com/inboxflow/inboxflow/types"
)

const defaultSuspendTTL = 5 * time.Minute

// Triager classifies the inbound message and writes the decision onto
// the state. Implementations must not return an error for low-quality
// model output; they fail closed to a notify decision instead.
type Triager interface {
	Triage(ctx context.Context, st *ExecutionState) error
}

// Drafter runs the bounded drafting loop, leaving the draft and any
// queued outbound calls on the state.
type Drafter interface {
	Draft(ctx context.Context, st *ExecutionState) error
}

// MemoryWriter persists preference signals once an execution settles.
type MemoryWriter interface {
	Update(ctx context.Context, st *ExecutionState) error
}

// Result is what callers get back from Start, Resume and Expire. Token
// is the latest checkpoint sequence and must be echoed back on resume.
type Result struct {
	ExecutionID   string               `json:"executionId"`
	Status        Status               `json:"status"`
	Outcome       Outcome              `json:"outcome,omitempty"`
	Draft         string               `json:"draft,omitempty"`
	Token         int                  `json:"token,omitempty"`
	Deadline      *time.Time           `json:"deadline,omitempty"`
	Trail         []types.DecisionStep `json:"trail,omitempty"`
	FailureReason string               `json:"failureReason,omitempty"`
}

type Orchestrator struct {
	store        state.Store
	triager      Triager
	drafter      Drafter
	memoryWriter MemoryWriter
	executor     *toolexec.Executor
	sink         observe.Sink
	suspendTTL   time.Duration
	expireAction types.Category
	now          func() time.Time
}

type Option func(*Orchestrator)

func WithSink(sink observe.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

func WithSuspendTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.suspendTTL = ttl
		}
	}
}

// WithExpireAction sets the category applied when a suspended
// execution's deadline lapses. Only notify and ignore are accepted.
func WithExpireAction(category types.Category) Option {
	return func(o *Orchestrator) {
		if category == types.CategoryNotify || category == types.CategoryIgnore {
			o.expireAction = category
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(store state.Store, triager Triager, drafter Drafter, memoryWriter MemoryWriter, executor *toolexec.Executor, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if triager == nil || drafter == nil || memoryWriter == nil {
		return nil, fmt.Errorf("triager, drafter and memory writer are required")
	}
	if executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	o := &Orchestrator{
		store:        store,
		triager:      triager,
		drafter:      drafter,
		memoryWriter: memoryWriter,
		executor:     executor,
		sink:         observe.NoopSink{},
		suspendTTL:   defaultSuspendTTL,
		expireAction: types.CategoryNotify,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start runs a new execution for msg until it completes, fails, or
// suspends waiting for a human decision.
func (o *Orchestrator) Start(ctx context.Context, owner string, msg types.Message) (Result, error) {
	if strings.TrimSpace(owner) == "" {
		return Result{}, fmt.Errorf("owner is required")
	}
	if msg.ID == "" || msg.Sender == "" {
		return Result{}, fmt.Errorf("message id and sender are required")
	}

	now := o.now().UTC()
	st := &ExecutionState{
		ExecutionID: uuid.NewString(),
		Owner:       owner,
		Message:     msg,
		Status:      StatusRunning,
		Node:        NodeTriage,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	st.now = o.now
	if err := o.persistRecord(ctx, st); err != nil {
		return Result{}, err
	}
	o.emit(ctx, st, observe.Event{Kind: observe.KindExecution, Status: observe.StatusStarted})

	return o.advance(ctx, st)
}

// Resume applies a human decision to a suspended execution. The
// decision must claim the execution by appending its checkpoint before
// any outbound call is dispatched; losing that append race returns
// ErrDecisionConflict with nothing sent. Calling Resume on an
// already-terminal execution replays the persisted result.
func (o *Orchestrator) Resume(ctx context.Context, executionID string, decision types.HumanDecision) (Result, error) {
	rec, err := o.store.LoadExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if isTerminal(Status(rec.Status)) {
		return o.replay(ctx, rec)
	}
	if Status(rec.Status) != StatusSuspended {
		return Result{}, fmt.Errorf("%w: execution %s is %s", ErrNotSuspended, executionID, rec.Status)
	}
	if _, ok := types.ParseReviewAction(string(decision.Action)); !ok {
		return Result{}, fmt.Errorf("unknown review action %q", decision.Action)
	}

	st, err := o.restore(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if decision.Token != 0 && decision.Token != st.CheckpointSeq {
		return Result{}, fmt.Errorf("%w: decision saw checkpoint %d, latest is %d", ErrStaleCheckpoint, decision.Token, st.CheckpointSeq)
	}
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = o.now().UTC()
	}

	st.Status = StatusRunning
	st.Human = &decision
	st.SuspendDeadline = nil
	st.Record(NodeAwaitHuman, string(decision.Action))

	switch decision.Action {
	case types.ReviewEdit:
		if strings.TrimSpace(decision.Content) == "" {
			return Result{}, fmt.Errorf("edit decision requires replacement content")
		}
		st.Draft = decision.Content
		if err := rewriteReplyBody(st, decision.Content); err != nil {
			return Result{}, err
		}
	case types.ReviewReject:
		st.Draft = ""
		st.PendingCalls = nil
		st.Outcome = OutcomeRejected
	}

	// The claim checkpoint must land before any outbound call goes out,
	// or a concurrent expiry could settle the record with no trace of
	// an already-sent reply.
	st.Node = NodeMemoryUpdate
	if err := o.claim(ctx, st); err != nil {
		return Result{}, err
	}

	if decision.Action == types.ReviewApprove || decision.Action == types.ReviewEdit {
		if err := o.dispatchPending(ctx, st); err != nil {
			return o.fail(ctx, st, ReasonToolFailure, err)
		}
	}
	return o.advance(ctx, st)
}

// Expire applies the configured default action to a suspended
// execution whose deadline has lapsed. Terminal executions replay.
func (o *Orchestrator) Expire(ctx context.Context, executionID string) (Result, error) {
	rec, err := o.store.LoadExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if isTerminal(Status(rec.Status)) {
		return o.replay(ctx, rec)
	}
	if Status(rec.Status) != StatusSuspended {
		return Result{}, fmt.Errorf("%w: execution %s is %s", ErrNotSuspended, executionID, rec.Status)
	}

	st, err := o.restore(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	now := o.now().UTC()
	if st.SuspendDeadline == nil || now.Before(*st.SuspendDeadline) {
		return Result{}, ErrDeadlineNotReached
	}

	st.Status = StatusRunning
	st.SuspendDeadline = nil
	st.Draft = ""
	st.PendingCalls = nil
	st.Record(NodeAwaitHuman, "timed out")
	if o.expireAction == types.CategoryIgnore {
		st.Outcome = OutcomeIgnored
	} else {
		st.Outcome = OutcomeNotified
	}

	st.Node = NodeMemoryUpdate
	if err := o.claim(ctx, st); err != nil {
		return Result{}, err
	}
	return o.advance(ctx, st)
}

// Cancel marks a non-terminal execution failed. The checkpoint history
// is left intact for inspection.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (Result, error) {
	rec, err := o.store.LoadExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}
	if isTerminal(Status(rec.Status)) {
		return Result{}, fmt.Errorf("%w: execution %s is %s", ErrAlreadyTerminal, executionID, rec.Status)
	}

	st, err := o.restore(ctx, executionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			now := o.now().UTC()
			st = &ExecutionState{
				ExecutionID: rec.ExecutionID,
				Owner:       rec.Owner,
				Status:      Status(rec.Status),
				StartedAt:   now,
				UpdatedAt:   now,
				now:         o.now,
			}
		} else {
			return Result{}, err
		}
	}

	st.Status = StatusFailed
	st.FailureReason = ReasonCancelled
	st.SuspendDeadline = nil
	st.Draft = ""
	st.PendingCalls = nil
	if err := o.persistRecord(ctx, st); err != nil {
		return Result{}, err
	}
	o.emit(ctx, st, observe.Event{Kind: observe.KindExecution, Status: observe.StatusFailed, Error: ReasonCancelled})
	return o.result(st), nil
}

// advance drives the state machine from the current node until a
// terminal status or a suspension.
func (o *Orchestrator) advance(ctx context.Context, st *ExecutionState) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		switch st.Node {
		case NodeTriage:
			if err := o.runNode(ctx, st, NodeTriage, o.triager.Triage); err != nil {
				return o.fail(ctx, st, ReasonTriageFailure, err)
			}
			st.Record(NodeTriage, string(st.Triage.Category))
			switch st.Triage.Category {
			case types.CategoryRespond:
				st.Node = NodeRespond
			case types.CategoryNotify:
				st.Node = NodeAwaitHuman
			case types.CategoryIgnore:
				st.Outcome = OutcomeIgnored
				st.Node = NodeMemoryUpdate
			default:
				return o.fail(ctx, st, ReasonTriageFailure, fmt.Errorf("unknown triage category %q", st.Triage.Category))
			}
			if err := o.checkpoint(ctx, st); err != nil {
				return Result{}, err
			}

		case NodeRespond:
			if err := o.runNode(ctx, st, NodeRespond, o.drafter.Draft); err != nil {
				reason := ReasonToolFailure
				var nodeErr *NodeError
				if errors.As(err, &nodeErr) && nodeErr.Reason != "" {
					reason = nodeErr.Reason
				}
				return o.fail(ctx, st, reason, err)
			}
			st.Record(NodeRespond, "draft ready")
			st.Node = NodeAwaitHuman
			if err := o.checkpoint(ctx, st); err != nil {
				return Result{}, err
			}

		case NodeAwaitHuman:
			return o.suspend(ctx, st)

		case NodeMemoryUpdate:
			if err := o.runNode(ctx, st, NodeMemoryUpdate, o.memoryWriter.Update); err != nil {
				// Preference writes are best-effort: losing one must
				// not undo an already-performed outbound action.
				o.emit(ctx, st, observe.Event{Kind: observe.KindMemory, Status: observe.StatusFailed, Error: err.Error()})
			}
			st.Record(NodeMemoryUpdate, "done")
			return o.complete(ctx, st)

		default:
			return Result{}, fmt.Errorf("unknown workflow node %q", st.Node)
		}
	}
}

func (o *Orchestrator) runNode(ctx context.Context, st *ExecutionState, node string, fn func(context.Context, *ExecutionState) error) error {
	start := o.now()
	o.emit(ctx, st, observe.Event{Kind: observe.KindNode, Status: observe.StatusStarted, Node: node})
	err := fn(ctx, st)
	ev := observe.Event{
		Kind:       observe.KindNode,
		Status:     observe.StatusCompleted,
		Node:       node,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		ev.Status = observe.StatusFailed
		ev.Error = err.Error()
	}
	o.emit(ctx, st, ev)
	return err
}

// suspend checkpoints first, then flips the persisted status. A crash
// between the two leaves a resumable checkpoint behind.
func (o *Orchestrator) suspend(ctx context.Context, st *ExecutionState) (Result, error) {
	deadline := o.now().UTC().Add(o.suspendTTL)
	st.SuspendDeadline = &deadline
	st.Status = StatusSuspended
	if err := o.checkpoint(ctx, st); err != nil {
		return Result{}, err
	}
	if err := o.persistRecord(ctx, st); err != nil {
		return Result{}, err
	}
	o.emit(ctx, st, observe.Event{Kind: observe.KindSuspend, Status: observe.StatusCompleted, Node: NodeAwaitHuman})
	return o.result(st), nil
}

func (o *Orchestrator) complete(ctx context.Context, st *ExecutionState) (Result, error) {
	st.Status = StatusCompleted
	if err := o.checkpoint(ctx, st); err != nil {
		return Result{}, err
	}
	if err := o.persistRecord(ctx, st); err != nil {
		return Result{}, err
	}
	o.emit(ctx, st, observe.Event{Kind: observe.KindExecution, Status: observe.StatusCompleted, Message: string(st.Outcome)})
	return o.result(st), nil
}

func (o *Orchestrator) fail(ctx context.Context, st *ExecutionState, reason string, cause error) (Result, error) {
	st.Status = StatusFailed
	st.FailureReason = reason
	if err := o.persistRecord(ctx, st); err != nil {
		return Result{}, err
	}
	o.emit(ctx, st, observe.Event{Kind: observe.KindExecution, Status: observe.StatusFailed, Error: cause.Error()})
	return o.result(st), fmt.Errorf("execution %s failed: %w", st.ExecutionID, cause)
}

// dispatchPending runs the queued outbound calls in order. The first
// terminal failure aborts the batch.
func (o *Orchestrator) dispatchPending(ctx context.Context, st *ExecutionState) error {
	for _, call := range st.PendingCalls {
		result, err := o.executor.Dispatch(ctx, call)
		if err != nil {
			return fmt.Errorf("dispatch of %s failed: %w", call.Name, err)
		}
		st.Record(NodeAwaitHuman, fmt.Sprintf("dispatched %s", result.Name))
		if call.Name == "send_reply" {
			st.Outcome = OutcomeSent
		}
	}
	st.PendingCalls = nil
	if st.Outcome == "" {
		st.Outcome = OutcomeNotified
	}
	return nil
}

// claim appends the post-decision checkpoint. The (execution_id, seq)
// uniqueness of the store arbitrates concurrent decisions: exactly one
// writer appends the next seq, every loser gets ErrDecisionConflict
// and may retry against the new latest checkpoint.
func (o *Orchestrator) claim(ctx context.Context, st *ExecutionState) error {
	if err := o.checkpoint(ctx, st); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return fmt.Errorf("%w: execution %s", ErrDecisionConflict, st.ExecutionID)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) checkpoint(ctx context.Context, st *ExecutionState) error {
	st.UpdatedAt = o.now().UTC()
	st.CheckpointSeq++
	snapshot, err := st.Snapshot()
	if err != nil {
		return err
	}
	rec := state.CheckpointRecord{
		ExecutionID: st.ExecutionID,
		Seq:         st.CheckpointSeq,
		Node:        st.Node,
		State:       snapshot,
		CreatedAt:   st.UpdatedAt,
	}
	if err := o.store.SaveCheckpoint(ctx, rec); err != nil {
		return fmt.Errorf("failed to save checkpoint %d: %w", st.CheckpointSeq, err)
	}
	o.emit(ctx, st, observe.Event{
		Kind:   observe.KindCheckpoint,
		Status: observe.StatusCompleted,
		Node:   st.Node,
		Attributes: map[string]any{
			"seq": st.CheckpointSeq,
		},
	})
	return nil
}

func (o *Orchestrator) restore(ctx context.Context, executionID string) (*ExecutionState, error) {
	cp, err := o.store.LoadLatestCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	st, err := RestoreState(cp.State)
	if err != nil {
		return nil, err
	}
	st.CheckpointSeq = cp.Seq
	st.now = o.now
	return st, nil
}

func (o *Orchestrator) persistRecord(ctx context.Context, st *ExecutionState) error {
	st.UpdatedAt = o.now().UTC()
	rec := state.ExecutionRecord{
		ExecutionID: st.ExecutionID,
		Owner:       st.Owner,
		MessageID:   st.Message.ID,
		Status:      string(st.Status),
		Outcome:     string(st.Outcome),
		Error:       st.FailureReason,
		Deadline:    st.SuspendDeadline,
		CreatedAt:   &st.StartedAt,
		UpdatedAt:   &st.UpdatedAt,
	}
	if isTerminal(st.Status) {
		completed := st.UpdatedAt
		rec.CompletedAt = &completed
	}
	if err := o.store.SaveExecution(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", st.ExecutionID, err)
	}
	return nil
}

// replay reconstructs the Result of an already-terminal execution so
// repeated Resume and Expire calls stay side-effect free.
func (o *Orchestrator) replay(ctx context.Context, rec state.ExecutionRecord) (Result, error) {
	res := Result{
		ExecutionID:   rec.ExecutionID,
		Status:        Status(rec.Status),
		Outcome:       Outcome(rec.Outcome),
		FailureReason: rec.Error,
	}
	if st, err := o.restore(ctx, rec.ExecutionID); err == nil {
		res.Draft = st.Draft
		res.Token = st.CheckpointSeq
		res.Trail = st.Trail
	}
	return res, nil
}

func (o *Orchestrator) result(st *ExecutionState) Result {
	return Result{
		ExecutionID:   st.ExecutionID,
		Status:        st.Status,
		Outcome:       st.Outcome,
		Draft:         st.Draft,
		Token:         st.CheckpointSeq,
		Deadline:      st.SuspendDeadline,
		Trail:         st.Trail,
		FailureReason: st.FailureReason,
	}
}

func (o *Orchestrator) emit(ctx context.Context, st *ExecutionState, ev observe.Event) {
	ev.ExecutionID = st.ExecutionID
	ev.Owner = st.Owner
	_ = o.sink.Emit(ctx, ev)
}

// rewriteReplyBody swaps the body argument of any queued send_reply so
// an edited draft is what actually goes out.
func rewriteReplyBody(st *ExecutionState, body string) error {
	for i, call := range st.PendingCalls {
		if call.Name != "send_reply" {
			continue
		}
		args := call.Arguments
		if len(args) == 0 {
			args = []byte(`{}`)
		}
		updated, err := sjson.SetBytes(args, "body", body)
		if err != nil {
			return fmt.Errorf("failed to rewrite reply body: %w", err)
		}
		st.PendingCalls[i].Arguments = updated
	}
	return nil
}

func isTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusFailed
}
