// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"

	"github.com/divvyup/divvy/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers that need to distinguish absence from failure check with errors.Is.
var ErrNotFound = errors.New("not found")

// Store defines the interface the sync core requires from persistence.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL,
// etc.) without changing the engine layers. Failures surface as explicit
// errors, never silent no-ops.
type Store interface {
	// CreateExpense persists a new expense. The expense.ID field will be
	// populated by the store if empty.
	CreateExpense(ctx context.Context, expense *models.Expense) error

	// GetExpense retrieves an expense by ID. Returns ErrNotFound if absent.
	GetExpense(ctx context.Context, expenseID string) (*models.Expense, error)

	// UpdateExpense updates an existing expense. Returns ErrNotFound if
	// the expense does not exist.
	UpdateExpense(ctx context.Context, expense *models.Expense) error

	// DeleteExpense removes an expense. Returns ErrNotFound if absent.
	DeleteExpense(ctx context.Context, expenseID string) error

	// SaveGroup inserts or replaces a group and its membership list.
	SaveGroup(ctx context.Context, group *models.Group) error

	// GetGroup retrieves a group with its members. Returns ErrNotFound if
	// absent.
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)

	// GetApprovalRule returns the active approval rule for a group, or
	// ErrNotFound when the group has none (no expense is gated then).
	GetApprovalRule(ctx context.Context, groupID string) (*models.ApprovalRule, error)

	// SaveApprovalRule inserts or replaces the rule for rule.GroupID.
	SaveApprovalRule(ctx context.Context, rule *models.ApprovalRule) error

	// SaveApprovalRequest inserts or replaces an approval request,
	// including its recorded approver actions and rule snapshot.
	SaveApprovalRequest(ctx context.Context, req *models.ApprovalRequest) error

	// GetApprovalRequest retrieves a request by ID. Returns ErrNotFound if
	// absent.
	GetApprovalRequest(ctx context.Context, requestID string) (*models.ApprovalRequest, error)

	// ActiveRequestForExpense returns the pending request for an expense,
	// or ErrNotFound when none is pending.
	ActiveRequestForExpense(ctx context.Context, expenseID string) (*models.ApprovalRequest, error)

	// AppendActivity durably stores a committed feed event. The event
	// already carries its per-group sequence number.
	AppendActivity(ctx context.Context, event *models.ActivityEvent) error

	// ActivitySince returns a group's events with sequence numbers greater
	// than cursor, in sequence order.
	ActivitySince(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error)

	// LastActivitySeq returns the highest stored sequence number for a
	// group, or zero when the group has no events.
	LastActivitySeq(ctx context.Context, groupID string) (uint64, error)

	// CreateUser persists a new user account.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByEmail retrieves a user by email. Returns ErrNotFound if absent.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// GetUserByID retrieves a user by ID. Returns ErrNotFound if absent.
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// Close releases any resources held by the store.
	Close() error
}
