package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/divvyup/divvy/internal/channel"
	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/protocol"
)

// ErrNotPermitted is returned for group operations the actor's role does
// not allow.
var ErrNotPermitted = errors.New("operation not permitted for this role")

func (s *SyncService) handleGroupIntent(ctx context.Context, intent channel.Intent) {
	in, err := protocol.Decode[protocol.GroupIntent](&intent.Msg)
	if err != nil {
		intent.Reply(protocol.MustNew(protocol.TypeGroupUpdate, protocol.GroupUpdate{
			Error: (&ValidationError{Field: "payload", Reason: err.Error()}).Error(),
		}))
		return
	}

	var group *models.Group
	switch {
	case in.Rule != nil:
		err = s.UpdateApprovalRule(ctx, intent.UserID, in.Rule)
	case in.Transfer:
		group, err = s.TransferOwnership(ctx, in.GroupID, intent.UserID, in.TargetUser)
	case in.Promote != "":
		group, err = s.PromoteMember(ctx, in.GroupID, intent.UserID, in.TargetUser, in.Promote)
	default:
		err = &ValidationError{Field: "payload", Reason: "no group operation specified"}
	}

	if err != nil {
		slog.Info("Group intent rejected",
			"user_id", intent.UserID, "group_id", in.GroupID, "error", err)
		intent.Reply(protocol.MustNew(protocol.TypeGroupUpdate, protocol.GroupUpdate{
			UpdateID: in.UpdateID,
			Error:    err.Error(),
		}))
		return
	}
	intent.Reply(protocol.MustNew(protocol.TypeGroupUpdate, protocol.GroupUpdate{
		UpdateID: in.UpdateID,
		Group:    group,
		Rule:     in.Rule,
	}))
}

// PromoteMember raises a member's role. Only managers and owners may
// promote, and nobody is promoted to owner this way — ownership moves only
// through TransferOwnership.
func (s *SyncService) PromoteMember(ctx context.Context, groupID, actorID, targetID string, role models.Role) (*models.Group, error) {
	if !role.Valid() || role == models.RoleOwner {
		return nil, &ValidationError{Field: "role", Reason: "cannot promote to this role"}
	}

	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	actor := group.Member(actorID)
	if actor == nil || !actor.Role.CanManage() {
		return nil, ErrNotPermitted
	}
	target := group.Member(targetID)
	if target == nil {
		return nil, &ValidationError{Field: "targetUser", Reason: "not a group member"}
	}
	if target.Role == models.RoleOwner {
		return nil, &ValidationError{Field: "targetUser", Reason: "owner role is not changed by promotion"}
	}

	target.Role = role
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}

	s.announceGroupChange(ctx, group, actorID, targetID, models.ActionMemberPromoted, string(role))
	return group, nil
}

// TransferOwnership moves the unique owner role from the current owner to
// another member. The previous owner becomes a manager.
func (s *SyncService) TransferOwnership(ctx context.Context, groupID, actorID, targetID string) (*models.Group, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	owner := group.Owner()
	if owner == nil || owner.UserID != actorID {
		return nil, ErrNotPermitted
	}
	target := group.Member(targetID)
	if target == nil {
		return nil, &ValidationError{Field: "targetUser", Reason: "not a group member"}
	}
	if target.UserID == owner.UserID {
		return nil, &ValidationError{Field: "targetUser", Reason: "already the owner"}
	}

	owner.Role = models.RoleManager
	target.Role = models.RoleOwner
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("failed to save group: %w", err)
	}

	s.announceGroupChange(ctx, group, actorID, targetID, models.ActionOwnerTransfer, string(models.RoleOwner))
	return group, nil
}

// UpdateApprovalRule replaces the group's active rule. Readers are
// unaffected mid-flight: open requests keep their creation-time snapshot.
func (s *SyncService) UpdateApprovalRule(ctx context.Context, actorID string, rule *models.ApprovalRule) error {
	if rule.GroupID == "" {
		return &ValidationError{Field: "groupId", Reason: "required"}
	}
	if rule.Threshold.IsNegative() {
		return &ValidationError{Field: "threshold", Reason: "must not be negative"}
	}
	if len(rule.RequiredApprovers) == 0 && rule.AnyApproverCount <= 0 {
		return &ValidationError{Field: "rule", Reason: "requires approvers or an approver count"}
	}

	group, err := s.store.GetGroup(ctx, rule.GroupID)
	if err != nil {
		return err
	}
	actor := group.Member(actorID)
	if actor == nil || !actor.Role.CanManage() {
		return ErrNotPermitted
	}

	if err := s.store.SaveApprovalRule(ctx, rule); err != nil {
		return err
	}

	s.hub.Publish(rule.GroupID, protocol.MustNew(protocol.TypeGroupUpdate, protocol.GroupUpdate{Rule: rule}))
	slog.Info("Approval rule updated",
		"group_id", rule.GroupID,
		"threshold", rule.Threshold.String(),
		"actor", actorID,
	)
	return nil
}

// announceGroupChange appends the membership event and fans out the new
// group state.
func (s *SyncService) announceGroupChange(ctx context.Context, group *models.Group, actorID, targetID string, action models.ActivityAction, status string) {
	event, err := s.feed.Append(ctx, models.ActivityEvent{
		Type:        "group",
		ActorUserID: actorID,
		GroupID:     group.ID,
		EntityID:    group.ID,
		EntityType:  models.EntityGroup,
		Action:      action,
		Details: models.ActivityDetails{
			TargetUser: targetID,
			Status:     status,
		},
	})
	if err != nil {
		slog.Error("Failed to append group event", "group_id", group.ID, "error", err)
	} else {
		metrics.EventsAppended.WithLabelValues(string(action)).Inc()
		s.hub.Publish(group.ID, protocol.MustNew(protocol.TypeActivityEvent, protocol.ActivityEventPayload{Event: event}))
	}
	s.hub.Publish(group.ID, protocol.MustNew(protocol.TypeGroupUpdate, protocol.GroupUpdate{Group: group}))
}

// GenerateRecurringInstances materializes every due instance of a template
// and submits each through the normal expense path — an instance above the
// threshold raises its own approval request, never inheriting approval
// from the template or a previous instance.
func (s *SyncService) GenerateRecurringInstances(ctx context.Context, tmpl *models.RecurringExpense, now time.Time) (int, error) {
	if tmpl.IntervalDays <= 0 {
		return 0, &ValidationError{Field: "intervalDays", Reason: "must be positive"}
	}

	generated := 0
	for tmpl.NextAt > 0 && tmpl.NextAt <= now.Unix() {
		instance := tmpl.Instance()
		_, err := s.SubmitExpense(ctx, tmpl.PaidBy, &protocol.ExpenseIntent{
			Operation: models.OpCreate,
			Expense:   *instance,
		})
		if err != nil {
			return generated, fmt.Errorf("failed to generate recurring instance: %w", err)
		}
		generated++
		tmpl.NextAt = time.Unix(tmpl.NextAt, 0).AddDate(0, 0, tmpl.IntervalDays).Unix()
	}

	if generated > 0 {
		slog.Info("Recurring instances generated",
			"template_id", tmpl.ID, "group_id", tmpl.GroupID, "count", generated)
	}
	return generated, nil
}
