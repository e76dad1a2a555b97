// Package approval implements the expense approval workflow: the request
// state machine, threshold and quorum evaluation, and the events those
// transitions emit onto the activity feed and realtime channel.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/divvyup/divvy/internal/feed"
	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/protocol"
	"github.com/divvyup/divvy/internal/storage"
)

// QuorumConflictError reports an approver action against an already-terminal
// request. It is logged and reported to the originating session only; the
// request is never re-opened.
type QuorumConflictError struct {
	RequestID string
	Status    models.ApprovalStatus
}

func (e *QuorumConflictError) Error() string {
	return fmt.Sprintf("approval request %s is already %s", e.RequestID, e.Status)
}

// CommitError reports an approved request whose underlying expense commit
// failed. The request has been reverted to pending; approval success and
// commit success are separate facts and this is the one condition escalated
// to operators.
type CommitError struct {
	RequestID string
	ExpenseID string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("expense %s commit failed after approval of request %s: %v", e.ExpenseID, e.RequestID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ErrNotAuthorized is returned for actions the acting user may not take.
var ErrNotAuthorized = errors.New("not authorized for this approval action")

// ErrSelfApproval is returned when a requester votes on their own request
// and the policy disallows it.
var ErrSelfApproval = errors.New("self-approval is not allowed")

// ErrDuplicateRequest is returned when an expense already has a pending
// request. One active request per expense is an engine invariant, not a
// storage one.
var ErrDuplicateRequest = errors.New("expense already has a pending approval request")

// Publisher fans messages out to a group's subscribers.
type Publisher interface {
	Publish(groupID string, msg protocol.Message)
}

// HeldMutation is the uncommitted expense mutation a pending request gates.
// It commits on approval and is discarded on rejection or cancellation.
type HeldMutation struct {
	// UpdateID is the originating optimistic update id, echoed on the
	// confirmation frame so the submitting client can reconcile.
	UpdateID  string
	Operation models.Operation
	Expense   models.Expense
}

// Engine runs the approval state machine.
//
// Held mutations are process state: a restart drops them, the client's
// pending update expires, and the client re-submits. Requests themselves
// are persisted and reloaded lazily.
type Engine struct {
	store     storage.Store
	feed      *feed.Feed
	publisher Publisher

	// selfApprovalAllowed lets a requester vote on their own request.
	// Default false.
	selfApprovalAllowed bool

	mu        sync.Mutex
	requests  map[string]*requestState
	byExpense map[string]string // expenseID -> pending request ID
}

// requestState pairs a request with its per-request lock. Quorum
// evaluation is atomic per request, not per group, so unrelated expenses
// never serialize against each other.
type requestState struct {
	mu   sync.Mutex
	req  *models.ApprovalRequest
	held HeldMutation
}

// Option configures the engine.
type Option func(*Engine)

// WithSelfApproval permits requesters to vote on their own requests.
func WithSelfApproval() Option {
	return func(e *Engine) { e.selfApprovalAllowed = true }
}

// NewEngine creates an approval engine.
func NewEngine(store storage.Store, f *feed.Feed, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		feed:      f,
		publisher: publisher,
		requests:  make(map[string]*requestState),
		byExpense: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NeedsApproval reports whether an amount exceeds the rule's threshold.
// A nil rule (group without one) gates nothing.
func NeedsApproval(rule *models.ApprovalRule, amount decimal.Decimal) bool {
	return rule != nil && rule.IsActive && amount.GreaterThan(rule.Threshold)
}

// Open creates a pending request gating the held mutation, using a snapshot
// of the rule as it stands now. The expense stays uncommitted until the
// request settles.
func (e *Engine) Open(ctx context.Context, rule *models.ApprovalRule, held HeldMutation, requestedBy string) (*models.ApprovalRequest, error) {
	expenseID := held.Expense.ID

	// Reserve the expense before anything else: two racing Opens must not
	// both pass the duplicate checks, so the loser fails right here while
	// the winner still holds the reservation.
	e.mu.Lock()
	if _, ok := e.byExpense[expenseID]; ok {
		e.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	e.byExpense[expenseID] = ""
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		if e.byExpense[expenseID] == "" {
			delete(e.byExpense, expenseID)
		}
		e.mu.Unlock()
	}

	// The in-memory index resets on restart; the store keeps the invariant
	// across processes.
	if _, err := e.store.ActiveRequestForExpense(ctx, expenseID); err == nil {
		release()
		return nil, ErrDuplicateRequest
	} else if !errors.Is(err, storage.ErrNotFound) {
		release()
		return nil, err
	}

	req := &models.ApprovalRequest{
		ExpenseID:   expenseID,
		GroupID:     held.Expense.GroupID,
		RequestedBy: requestedBy,
		Amount:      held.Expense.Amount,
		Status:      models.StatusPending,
		Rule:        rule.Snapshot(),
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveApprovalRequest(ctx, req); err != nil {
		release()
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	e.mu.Lock()
	e.requests[req.ID] = &requestState{req: req, held: held}
	e.byExpense[expenseID] = req.ID
	e.mu.Unlock()

	event, err := e.feed.Append(ctx, models.ActivityEvent{
		Type:        "approval",
		ActorUserID: requestedBy,
		GroupID:     req.GroupID,
		EntityID:    req.ID,
		EntityType:  models.EntityApproval,
		Action:      models.ActionApprovalOpened,
		Details: models.ActivityDetails{
			Description: held.Expense.Description,
			Amount:      req.Amount,
			Currency:    held.Expense.Currency,
			Status:      string(models.StatusPending),
		},
	})
	if err != nil {
		slog.Error("Failed to append approval_opened event", "request_id", req.ID, "error", err)
	} else {
		metrics.EventsAppended.WithLabelValues(string(models.ActionApprovalOpened)).Inc()
		e.publisher.Publish(req.GroupID, protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event}))
	}
	e.publisher.Publish(req.GroupID, protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{
		UpdateID: held.UpdateID,
		Request:  *req,
	}))

	slog.Info("Approval request opened",
		"request_id", req.ID,
		"expense_id", expenseID,
		"group_id", req.GroupID,
		"amount", req.Amount.String(),
		"threshold", req.Rule.Threshold.String(),
	)
	return req, nil
}

// state fetches the tracked request, reloading from storage when this
// process has not seen it yet.
func (e *Engine) state(ctx context.Context, requestID string) (*requestState, error) {
	e.mu.Lock()
	st, ok := e.requests[requestID]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	req, err := e.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.requests[requestID]; ok {
		return existing, nil
	}
	st = &requestState{req: req}
	e.requests[requestID] = st
	if req.Status == models.StatusPending {
		e.byExpense[req.ExpenseID] = req.ID
	}
	return st, nil
}

// Request returns the current state of a request.
func (e *Engine) Request(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	st, err := e.state(ctx, requestID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.req
	return &cp, nil
}

// Submit records an approver's action and re-evaluates quorum. A repeat
// action from the same approver overwrites their prior one. Returns the
// request after evaluation.
func (e *Engine) Submit(ctx context.Context, requestID string, action models.ApprovalAction) (*models.ApprovalRequest, error) {
	st, err := e.state(ctx, requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	req := st.req

	if req.Status.Terminal() {
		slog.Warn("Approver action against settled request ignored",
			"request_id", requestID, "status", req.Status, "approver", action.ApproverID)
		return nil, &QuorumConflictError{RequestID: requestID, Status: req.Status}
	}
	if action.ApproverID == req.RequestedBy && !e.selfApprovalAllowed && action.Action.Decisive() {
		return nil, ErrSelfApproval
	}

	if action.ActionAt.IsZero() {
		action.ActionAt = time.Now()
	}
	if prior := req.ActionBy(action.ApproverID); prior != nil {
		*prior = action
	} else {
		req.Approvers = append(req.Approvers, action)
	}

	outcome := evaluate(req)
	if outcome == models.StatusPending {
		if err := e.store.SaveApprovalRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to save approval request: %w", err)
		}
		e.publisher.Publish(req.GroupID, protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{Request: *req}))
		return req, nil
	}

	return e.settleLocked(ctx, st, outcome, "")
}

// Cancel moves a pending request to cancelled. Only the requester or the
// group owner may cancel.
func (e *Engine) Cancel(ctx context.Context, requestID, byUser string, isOwner bool) (*models.ApprovalRequest, error) {
	st, err := e.state(ctx, requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	req := st.req

	if req.Status.Terminal() {
		return nil, &QuorumConflictError{RequestID: requestID, Status: req.Status}
	}
	if byUser != req.RequestedBy && !isOwner {
		return nil, ErrNotAuthorized
	}

	return e.settleLocked(ctx, st, models.StatusCancelled, byUser)
}

// settleLocked performs a terminal transition. Caller holds st.mu.
//
// Order matters: the held mutation commits (or is discarded) first, then
// the feed append, then fan-out — no event is published before it is
// durably appended. A failed commit reverts the request to pending and
// raises a CommitError instead of conflating approval with commit.
func (e *Engine) settleLocked(ctx context.Context, st *requestState, outcome models.ApprovalStatus, actor string) (*models.ApprovalRequest, error) {
	req := st.req

	if outcome == models.StatusApproved {
		// Persist the deciding vote while the request is still pending: a
		// commit failure leaves the request open, and the vote must survive
		// a restart in the meantime.
		if err := e.store.SaveApprovalRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to save approval request: %w", err)
		}
		if err := e.commitHeld(ctx, st); err != nil {
			metrics.CommitFailuresAfterApproval.Inc()
			slog.Error("ALERT: expense commit failed after approval; request reverted to pending",
				"request_id", req.ID,
				"expense_id", req.ExpenseID,
				"group_id", req.GroupID,
				"error", err,
			)
			return req, &CommitError{RequestID: req.ID, ExpenseID: req.ExpenseID, Err: err}
		}
	}

	now := time.Now()
	req.Status = outcome
	req.ReviewedAt = &now
	if err := e.store.SaveApprovalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save settled request: %w", err)
	}

	e.mu.Lock()
	delete(e.byExpense, req.ExpenseID)
	e.mu.Unlock()

	metrics.ApprovalsDecided.WithLabelValues(string(outcome)).Inc()
	slog.Info("Approval request settled",
		"request_id", req.ID,
		"expense_id", req.ExpenseID,
		"group_id", req.GroupID,
		"status", outcome,
	)

	event, err := e.feed.Append(ctx, models.ActivityEvent{
		Type:        "approval",
		ActorUserID: actor,
		GroupID:     req.GroupID,
		EntityID:    req.ID,
		EntityType:  models.EntityApproval,
		Action:      models.ActionApprovalDecided,
		Details: models.ActivityDetails{
			Amount: req.Amount,
			Status: string(outcome),
			Reason: req.Reason,
		},
	})
	if err != nil {
		slog.Error("Failed to append approval_decided event", "request_id", req.ID, "error", err)
	} else {
		metrics.EventsAppended.WithLabelValues(string(models.ActionApprovalDecided)).Inc()
		e.publisher.Publish(req.GroupID, protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event}))
	}
	e.publisher.Publish(req.GroupID, protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{Request: *req}))

	return req, nil
}

// commitHeld applies the gated mutation to storage and announces the
// committed expense. When this process never held the mutation (restart),
// there is nothing to commit for updates and deletes beyond what the
// client re-submits; creates simply expire client-side.
func (e *Engine) commitHeld(ctx context.Context, st *requestState) error {
	held := st.held
	if held.Operation == "" {
		slog.Warn("No held mutation for approved request; nothing to commit",
			"request_id", st.req.ID, "expense_id", st.req.ExpenseID)
		return nil
	}

	var err error
	var action models.ActivityAction
	switch held.Operation {
	case models.OpCreate:
		err = e.store.CreateExpense(ctx, &held.Expense)
		action = models.ActionCreated
	case models.OpUpdate:
		err = e.store.UpdateExpense(ctx, &held.Expense)
		action = models.ActionUpdated
	case models.OpDelete:
		err = e.store.DeleteExpense(ctx, held.Expense.ID)
		action = models.ActionDeleted
	default:
		err = fmt.Errorf("unknown held operation %q", held.Operation)
	}
	if err != nil {
		return err
	}

	event, err := e.feed.Append(ctx, models.ActivityEvent{
		Type:        "expense",
		ActorUserID: st.req.RequestedBy,
		GroupID:     held.Expense.GroupID,
		EntityID:    held.Expense.ID,
		EntityType:  models.EntityExpense,
		Action:      action,
		Details: models.ActivityDetails{
			Description: held.Expense.Description,
			Amount:      held.Expense.Amount,
			Currency:    held.Expense.Currency,
		},
	})
	if err != nil {
		slog.Error("Failed to append expense event after approval", "expense_id", held.Expense.ID, "error", err)
	} else {
		metrics.EventsAppended.WithLabelValues(string(action)).Inc()
		e.publisher.Publish(held.Expense.GroupID, protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event}))
	}

	update := protocol.ExpenseUpdate{
		UpdateID:  held.UpdateID,
		Operation: held.Operation,
		ExpenseID: held.Expense.ID,
	}
	if held.Operation != models.OpDelete {
		expense := held.Expense
		update.Expense = &expense
	}
	e.publisher.Publish(held.Expense.GroupID, protocol.MustNew(protocol.TypeExpenseUpdate, update))
	return nil
}

// evaluate applies the quorum strategy from the request's rule snapshot.
//
// Required approvers win over any-count when both are present: every
// required id must hold a current approve, and a single reject from any of
// them rejects immediately. With only a count, the first N distinct
// approves approve and N distinct rejects reject.
func evaluate(req *models.ApprovalRequest) models.ApprovalStatus {
	rule := req.Rule

	if len(rule.RequiredApprovers) > 0 {
		required := make(map[string]bool, len(rule.RequiredApprovers))
		for _, id := range rule.RequiredApprovers {
			required[id] = true
		}

		approved := 0
		for i := range req.Approvers {
			a := &req.Approvers[i]
			if !required[a.ApproverID] {
				continue
			}
			switch a.Action {
			case models.DecisionReject:
				return models.StatusRejected
			case models.DecisionApprove:
				approved++
			}
		}
		if approved == len(required) {
			return models.StatusApproved
		}
		return models.StatusPending
	}

	if rule.AnyApproverCount > 0 {
		approves, rejects := 0, 0
		for i := range req.Approvers {
			switch req.Approvers[i].Action {
			case models.DecisionApprove:
				approves++
			case models.DecisionReject:
				rejects++
			}
		}
		if approves >= rule.AnyApproverCount {
			return models.StatusApproved
		}
		if rejects >= rule.AnyApproverCount {
			return models.StatusRejected
		}
	}
	return models.StatusPending
}
