// Package service wires the engine layers together: it routes client
// intents from the realtime channel through validation, the approval gate,
// storage, the activity feed, and back out as fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/divvyup/divvy/internal/approval"
	"github.com/divvyup/divvy/internal/channel"
	"github.com/divvyup/divvy/internal/feed"
	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/presence"
	"github.com/divvyup/divvy/internal/protocol"
	"github.com/divvyup/divvy/internal/storage"
)

// ValidationError reports a malformed intent, rejected before touching any
// state. It is reported to the originating session only.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SyncService is the intent router at the center of the sync core.
type SyncService struct {
	store   storage.Store
	feed    *feed.Feed
	hub     *channel.Hub
	tracker *presence.Tracker
	engine  *approval.Engine
}

// NewSyncService creates the service and registers it as the hub's intent
// handler and unsubscribe hook.
func NewSyncService(store storage.Store, f *feed.Feed, hub *channel.Hub, tracker *presence.Tracker, engine *approval.Engine) *SyncService {
	s := &SyncService{
		store:   store,
		feed:    f,
		hub:     hub,
		tracker: tracker,
		engine:  engine,
	}
	hub.OnIntent(s.HandleIntent)
	hub.OnUnsubscribe(tracker.Drop)
	return s
}

// HandleIntent routes one client-submitted message. Validation and
// quorum-conflict failures go back to the originating session only; they
// never fan out.
func (s *SyncService) HandleIntent(ctx context.Context, intent channel.Intent) {
	switch intent.Msg.Type {
	case protocol.TypePing:
		// The session already answered pong; a heartbeat still refreshes
		// liveness.
		s.tracker.Touch(intent.UserID, intent.GroupID)

	case protocol.TypePresenceUpdate:
		ann, err := protocol.Decode[protocol.PresenceAnnounce](&intent.Msg)
		if err != nil {
			slog.Warn("Malformed presence announce", "user_id", intent.UserID, "error", err)
			return
		}
		s.tracker.Announce(intent.UserID, intent.UserName, intent.GroupID, *ann)

	case protocol.TypeUserTyping:
		typing, err := protocol.Decode[protocol.UserTyping](&intent.Msg)
		if err != nil {
			slog.Warn("Malformed typing signal", "user_id", intent.UserID, "error", err)
			return
		}
		// Ephemeral: relayed to the group, never appended to the feed.
		typing.UserID = intent.UserID
		typing.UserName = intent.UserName
		typing.GroupID = intent.GroupID
		s.hub.Publish(intent.GroupID, protocol.MustNew(protocol.TypeUserTyping, typing))

	case protocol.TypeExpenseUpdate:
		s.handleExpenseIntent(ctx, intent)

	case protocol.TypeApprovalUpdate:
		s.handleApprovalIntent(ctx, intent)

	case protocol.TypeGroupUpdate:
		s.handleGroupIntent(ctx, intent)

	case protocol.TypePong:
		// Liveness only.
		s.tracker.Touch(intent.UserID, intent.GroupID)

	default:
		slog.Warn("Unknown intent type", "type", intent.Msg.Type, "user_id", intent.UserID)
	}
}

func (s *SyncService) handleExpenseIntent(ctx context.Context, intent channel.Intent) {
	in, err := protocol.Decode[protocol.ExpenseIntent](&intent.Msg)
	if err != nil {
		intent.Reply(protocol.MustNew(protocol.TypeExpenseUpdate, protocol.ExpenseUpdate{
			Error: (&ValidationError{Field: "payload", Reason: err.Error()}).Error(),
		}))
		return
	}

	update, err := s.SubmitExpense(ctx, intent.UserID, in)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			slog.Info("Expense intent rejected",
				"user_id", intent.UserID, "operation", in.Operation, "error", verr)
		} else {
			slog.Error("Expense intent failed",
				"user_id", intent.UserID, "operation", in.Operation, "error", err)
		}
		intent.Reply(protocol.MustNew(protocol.TypeExpenseUpdate, protocol.ExpenseUpdate{
			UpdateID:  in.UpdateID,
			Operation: in.Operation,
			ExpenseID: in.Expense.ID,
			Error:     err.Error(),
		}))
		return
	}
	// Held mutations acknowledge the submitter directly; committed ones
	// were already fanned out to the whole group, submitter included.
	if update.Held {
		intent.Reply(protocol.MustNew(protocol.TypeExpenseUpdate, *update))
	}
}

// SubmitExpense validates an expense mutation and either routes it through
// the approval gate or commits it immediately.
func (s *SyncService) SubmitExpense(ctx context.Context, userID string, in *protocol.ExpenseIntent) (*protocol.ExpenseUpdate, error) {
	expense := in.Expense

	if expense.GroupID == "" {
		return nil, &ValidationError{Field: "groupId", Reason: "required"}
	}
	group, err := s.store.GetGroup(ctx, expense.GroupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Field: "groupId", Reason: "unknown group"}
		}
		return nil, err
	}
	member := group.Member(userID)
	if member == nil || !member.IsActive {
		return nil, &ValidationError{Field: "userId", Reason: "not an active group member"}
	}

	switch in.Operation {
	case models.OpCreate:
		if expense.Amount.IsZero() || expense.Amount.IsNegative() {
			return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if expense.Description == "" {
			return nil, &ValidationError{Field: "description", Reason: "required"}
		}
		if expense.ID == "" {
			// The held reference needs an id before commit.
			expense.ID = uuid.New().String()
		}

	case models.OpUpdate:
		if expense.Amount.IsZero() || expense.Amount.IsNegative() {
			return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if _, err := s.store.GetExpense(ctx, expense.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &ValidationError{Field: "expenseId", Reason: "unknown expense"}
			}
			return nil, err
		}

	case models.OpDelete:
		existing, err := s.store.GetExpense(ctx, expense.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &ValidationError{Field: "expenseId", Reason: "unknown expense"}
			}
			return nil, err
		}
		// A delete is gated by the stored amount it removes.
		expense = *existing

	default:
		return nil, &ValidationError{Field: "operation", Reason: "unknown operation"}
	}

	rule, err := s.store.GetApprovalRule(ctx, expense.GroupID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if approval.NeedsApproval(rule, expense.Amount) {
		held := approval.HeldMutation{
			UpdateID:  in.UpdateID,
			Operation: in.Operation,
			Expense:   expense,
		}
		req, err := s.engine.Open(ctx, rule, held, userID)
		if err != nil {
			if errors.Is(err, approval.ErrDuplicateRequest) {
				return nil, &ValidationError{Field: "expenseId", Reason: "approval already pending"}
			}
			return nil, err
		}
		return &protocol.ExpenseUpdate{
			UpdateID:  in.UpdateID,
			Operation: in.Operation,
			ExpenseID: req.ExpenseID,
			Held:      true,
		}, nil
	}

	return s.commitExpense(ctx, in.Operation, expense, userID, in.UpdateID)
}

// commitExpense applies a mutation to storage, appends the feed event, and
// fans out — append strictly before fan-out.
func (s *SyncService) commitExpense(ctx context.Context, op models.Operation, expense models.Expense, actor, updateID string) (*protocol.ExpenseUpdate, error) {
	var action models.ActivityAction
	var err error
	switch op {
	case models.OpCreate:
		err = s.store.CreateExpense(ctx, &expense)
		action = models.ActionCreated
	case models.OpUpdate:
		err = s.store.UpdateExpense(ctx, &expense)
		action = models.ActionUpdated
	case models.OpDelete:
		err = s.store.DeleteExpense(ctx, expense.ID)
		action = models.ActionDeleted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit expense: %w", err)
	}

	event, err := s.feed.Append(ctx, models.ActivityEvent{
		Type:        "expense",
		ActorUserID: actor,
		GroupID:     expense.GroupID,
		EntityID:    expense.ID,
		EntityType:  models.EntityExpense,
		Action:      action,
		Details: models.ActivityDetails{
			Description: expense.Description,
			Amount:      expense.Amount,
			Currency:    expense.Currency,
		},
	})
	if err != nil {
		return nil, err
	}
	metrics.EventsAppended.WithLabelValues(string(action)).Inc()

	s.hub.Publish(expense.GroupID, protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event}))

	update := protocol.ExpenseUpdate{
		UpdateID:  updateID,
		Operation: op,
		ExpenseID: expense.ID,
	}
	if op != models.OpDelete {
		e := expense
		update.Expense = &e
	}
	s.hub.Publish(expense.GroupID, protocol.MustNew(protocol.TypeExpenseUpdate, update))

	slog.Info("Expense committed",
		"expense_id", expense.ID,
		"group_id", expense.GroupID,
		"operation", op,
		"amount", expense.Amount.String(),
		"actor", actor,
	)
	return &update, nil
}

func (s *SyncService) handleApprovalIntent(ctx context.Context, intent channel.Intent) {
	in, err := protocol.Decode[protocol.ApprovalIntent](&intent.Msg)
	if err != nil {
		intent.Reply(protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{
			Error: (&ValidationError{Field: "payload", Reason: err.Error()}).Error(),
		}))
		return
	}

	req, err := s.SubmitApproval(ctx, intent.UserID, in)
	if err != nil {
		var qerr *approval.QuorumConflictError
		switch {
		case errors.As(err, &qerr):
			// Already settled: log, ignore, report to origin only.
			intent.Reply(protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{
				UpdateID: in.UpdateID,
				Error:    qerr.Error(),
			}))
		default:
			slog.Warn("Approval intent failed",
				"user_id", intent.UserID, "request_id", in.RequestID, "error", err)
			intent.Reply(protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{
				UpdateID: in.UpdateID,
				Error:    err.Error(),
			}))
		}
		return
	}

	// Group-wide state went out via the engine; acknowledge the actor.
	intent.Reply(protocol.MustNew(protocol.TypeApprovalUpdate, protocol.ApprovalUpdate{
		UpdateID: in.UpdateID,
		Request:  *req,
	}))
}

// SubmitApproval validates and applies one approver action or cancel.
func (s *SyncService) SubmitApproval(ctx context.Context, userID string, in *protocol.ApprovalIntent) (*models.ApprovalRequest, error) {
	if in.RequestID == "" {
		return nil, &ValidationError{Field: "requestId", Reason: "required"}
	}

	req, err := s.engine.Request(ctx, in.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Field: "requestId", Reason: "unknown request"}
		}
		return nil, err
	}

	group, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	member := group.Member(userID)
	if member == nil || !member.IsActive {
		return nil, &ValidationError{Field: "userId", Reason: "not an active group member"}
	}

	if in.Cancel {
		isOwner := member.Role == models.RoleOwner
		return s.engine.Cancel(ctx, in.RequestID, userID, isOwner)
	}

	if !in.Action.Decisive() && in.Action != models.DecisionRequestChanges {
		return nil, &ValidationError{Field: "action", Reason: "unknown action"}
	}
	return s.engine.Submit(ctx, in.RequestID, models.ApprovalAction{
		ApproverID: userID,
		Action:     in.Action,
		Comment:    in.Comment,
	})
}

// CatchUp returns a group's events after the client's cursor. The context
// makes it cancellable: a newer reconnect attempt abandons a stale one.
func (s *SyncService) CatchUp(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error) {
	return s.feed.Since(ctx, groupID, cursor)
}
