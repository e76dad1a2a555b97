package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/divvyup/divvy/internal/models"
)

func TestPromoteMember(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("manager promotes a member", func(t *testing.T) {
		group, err := fx.svc.PromoteMember(ctx, "g1", "bob", "carol", models.RoleManager)
		if err != nil {
			t.Fatalf("PromoteMember failed: %v", err)
		}
		if m := group.Member("carol"); m == nil || m.Role != models.RoleManager {
			t.Errorf("Carol not promoted: %+v", m)
		}

		stored, _ := fx.store.GetGroup(ctx, "g1")
		if m := stored.Member("carol"); m.Role != models.RoleManager {
			t.Errorf("Promotion not persisted: %s", m.Role)
		}
	})

	t.Run("member cannot promote", func(t *testing.T) {
		fx := newFixture(t)
		if _, err := fx.svc.PromoteMember(ctx, "g1", "carol", "carol", models.RoleManager); !errors.Is(err, ErrNotPermitted) {
			t.Errorf("Expected ErrNotPermitted, got %v", err)
		}
	})

	t.Run("nobody is promoted to owner", func(t *testing.T) {
		_, err := fx.svc.PromoteMember(ctx, "g1", "alice", "bob", models.RoleOwner)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected validation error for owner promotion, got %v", err)
		}
	})

	t.Run("the owner's role is untouchable", func(t *testing.T) {
		_, err := fx.svc.PromoteMember(ctx, "g1", "bob", "alice", models.RoleMember)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected validation error for demoting the owner, got %v", err)
		}
	})
}

func TestTransferOwnership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("only the owner may transfer", func(t *testing.T) {
		if _, err := fx.svc.TransferOwnership(ctx, "g1", "bob", "carol"); !errors.Is(err, ErrNotPermitted) {
			t.Errorf("Expected ErrNotPermitted, got %v", err)
		}
	})

	t.Run("transfer moves the unique owner role", func(t *testing.T) {
		group, err := fx.svc.TransferOwnership(ctx, "g1", "alice", "bob")
		if err != nil {
			t.Fatalf("TransferOwnership failed: %v", err)
		}

		owner := group.Owner()
		if owner == nil || owner.UserID != "bob" {
			t.Fatalf("Ownership did not move: %+v", owner)
		}
		if m := group.Member("alice"); m.Role != models.RoleManager {
			t.Errorf("Previous owner should become manager, got %s", m.Role)
		}

		// Exactly one owner, before and after.
		owners := 0
		for _, m := range group.Members {
			if m.Role == models.RoleOwner {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("Group has %d owners", owners)
		}
	})

	t.Run("membership changes land in the feed", func(t *testing.T) {
		events, err := fx.feed.Since(ctx, "g1", 0)
		if err != nil {
			t.Fatalf("Since failed: %v", err)
		}
		if len(events) != 1 || events[0].Action != models.ActionOwnerTransfer {
			t.Errorf("Expected one owner_transferred event, got %+v", events)
		}
		if events[0].Details.TargetUser != "bob" {
			t.Errorf("Event target: got %s, want bob", events[0].Details.TargetUser)
		}
	})
}

func TestUpdateApprovalRule(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rule := &models.ApprovalRule{
		GroupID:          "g1",
		Threshold:        decimal.RequireFromString("250"),
		AnyApproverCount: 2,
		IsActive:         true,
	}

	t.Run("member cannot change the rule", func(t *testing.T) {
		if err := fx.svc.UpdateApprovalRule(ctx, "carol", rule); !errors.Is(err, ErrNotPermitted) {
			t.Errorf("Expected ErrNotPermitted, got %v", err)
		}
	})

	t.Run("manager replaces the rule", func(t *testing.T) {
		if err := fx.svc.UpdateApprovalRule(ctx, "bob", rule); err != nil {
			t.Fatalf("UpdateApprovalRule failed: %v", err)
		}
		stored, err := fx.store.GetApprovalRule(ctx, "g1")
		if err != nil {
			t.Fatalf("Rule not persisted: %v", err)
		}
		if !stored.Threshold.Equal(decimal.RequireFromString("250")) || stored.AnyApproverCount != 2 {
			t.Errorf("Stored rule mismatch: %+v", stored)
		}
	})

	t.Run("a rule needs some quorum", func(t *testing.T) {
		bad := &models.ApprovalRule{
			GroupID:   "g1",
			Threshold: decimal.RequireFromString("100"),
			IsActive:  true,
		}
		err := fx.svc.UpdateApprovalRule(ctx, "bob", bad)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Expected validation error for quorum-less rule, got %v", err)
		}
	})
}

func TestGenerateRecurringInstances(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.setRule(t, "500", 1)

	now := time.Now()
	tmpl := &models.RecurringExpense{
		ID:           "r1",
		GroupID:      "g1",
		Description:  "Rent",
		Amount:       decimal.RequireFromString("900"),
		Currency:     "USD",
		PaidBy:       "carol",
		IntervalDays: 30,
		NextAt:       now.Add(-time.Minute).Unix(), // one instance overdue
	}

	generated, err := fx.svc.GenerateRecurringInstances(ctx, tmpl, now)
	if err != nil {
		t.Fatalf("GenerateRecurringInstances failed: %v", err)
	}
	if generated != 1 {
		t.Fatalf("Expected 1 instance, got %d", generated)
	}
	if tmpl.NextAt <= now.Unix() {
		t.Error("NextAt not advanced past now")
	}

	// Each instance above the threshold is independently gated: nothing in
	// storage yet, one pending request in the feed.
	events, err := fx.feed.Since(ctx, "g1", 0)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 1 || events[0].Action != models.ActionApprovalOpened {
		t.Errorf("Expected one approval_opened event for the gated instance, got %+v", events)
	}
}
