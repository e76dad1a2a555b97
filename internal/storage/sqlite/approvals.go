package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/storage"
)

// GetApprovalRule returns the active approval rule for a group.
func (s *SQLiteStore) GetApprovalRule(ctx context.Context, groupID string) (*models.ApprovalRule, error) {
	rule := &models.ApprovalRule{}
	var threshold, required string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, threshold, required_approvers, any_approver_count, is_active
		 FROM approval_rules WHERE group_id = ? AND is_active = 1`,
		groupID,
	).Scan(&rule.GroupID, &threshold, &required, &rule.AnyApproverCount, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval rule for group %s: %w", groupID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval rule: %w", err)
	}

	rule.IsActive = active != 0
	if rule.Threshold, err = decimal.NewFromString(threshold); err != nil {
		return nil, fmt.Errorf("failed to parse rule threshold: %w", err)
	}
	if err := json.Unmarshal([]byte(required), &rule.RequiredApprovers); err != nil {
		return nil, fmt.Errorf("failed to parse required approvers: %w", err)
	}
	return rule, nil
}

// SaveApprovalRule inserts or replaces the rule for rule.GroupID.
func (s *SQLiteStore) SaveApprovalRule(ctx context.Context, rule *models.ApprovalRule) error {
	required, err := json.Marshal(rule.RequiredApprovers)
	if err != nil {
		return fmt.Errorf("failed to marshal required approvers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approval_rules (group_id, threshold, required_approvers, any_approver_count, is_active)
		 VALUES (?, ?, ?, ?, ?)`,
		rule.GroupID, rule.Threshold.String(), string(required), rule.AnyApproverCount, boolToInt(rule.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval rule: %w", err)
	}
	return nil
}

// SaveApprovalRequest inserts or replaces an approval request.
func (s *SQLiteStore) SaveApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return fmt.Errorf("failed to marshal approver actions: %w", err)
	}
	snapshot, err := json.Marshal(req.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule snapshot: %w", err)
	}

	var reviewedAt *int64
	if req.ReviewedAt != nil {
		ts := req.ReviewedAt.Unix()
		reviewedAt = &ts
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approval_requests
		 (id, expense_id, group_id, requested_by, amount, status, approvers, rule_snapshot, reason, created_at, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExpenseID, req.GroupID, req.RequestedBy, req.Amount.String(),
		string(req.Status), string(approvers), string(snapshot), req.Reason,
		req.CreatedAt.Unix(), reviewedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

// GetApprovalRequest retrieves a request by ID.
func (s *SQLiteStore) GetApprovalRequest(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx,
		`SELECT id, expense_id, group_id, requested_by, amount, status, approvers, rule_snapshot, reason, created_at, reviewed_at
		 FROM approval_requests WHERE id = ?`,
		requestID,
	), requestID)
}

// ActiveRequestForExpense returns the pending request for an expense.
func (s *SQLiteStore) ActiveRequestForExpense(ctx context.Context, expenseID string) (*models.ApprovalRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx,
		`SELECT id, expense_id, group_id, requested_by, amount, status, approvers, rule_snapshot, reason, created_at, reviewed_at
		 FROM approval_requests WHERE expense_id = ? AND status = ?`,
		expenseID, string(models.StatusPending),
	), expenseID)
}

func (s *SQLiteStore) scanRequest(row *sql.Row, key string) (*models.ApprovalRequest, error) {
	req := &models.ApprovalRequest{}
	var amount, status, approvers, snapshot string
	var createdAt int64
	var reviewedAt *int64

	err := row.Scan(&req.ID, &req.ExpenseID, &req.GroupID, &req.RequestedBy,
		&amount, &status, &approvers, &snapshot, &req.Reason, &createdAt, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}

	req.Status = models.ApprovalStatus(status)
	req.CreatedAt = time.Unix(createdAt, 0)
	if reviewedAt != nil {
		t := time.Unix(*reviewedAt, 0)
		req.ReviewedAt = &t
	}
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse request amount: %w", err)
	}
	if err := json.Unmarshal([]byte(approvers), &req.Approvers); err != nil {
		return nil, fmt.Errorf("failed to parse approver actions: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &req.Rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule snapshot: %w", err)
	}
	return req, nil
}
