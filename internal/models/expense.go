package models

import "github.com/shopspring/decimal"

// Expense represents a single expense within a group.
//
// An expense above the group's approval threshold is created in an
// uncommitted state and only reaches storage once its ApprovalRequest
// settles as approved.
type Expense struct {
	// ID is the unique identifier for the expense (UUID format).
	ID string `json:"id"`

	// GroupID is the group this expense belongs to.
	GroupID string `json:"groupId"`

	// Description is what the expense was for (e.g., "Groceries").
	Description string `json:"description"`

	// Amount is the total expense amount in the group's currency.
	Amount decimal.Decimal `json:"amount"`

	// Currency is the ISO 4217 code (e.g., "USD"). Exchange-rate handling
	// is outside the sync core.
	Currency string `json:"currency"`

	// PaidBy is the user ID of the member who paid.
	PaidBy string `json:"paidBy"`

	// Category is a free-form label (e.g., "food", "rent").
	Category string `json:"category,omitempty"`

	// CreatedAt / UpdatedAt are Unix timestamps maintained by the store.
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// RecurringExpense is a template that periodically generates Expense
// instances. Each generated instance passes through the approval gate
// independently; approval is never inherited from the template or from a
// previously approved instance.
type RecurringExpense struct {
	ID          string          `json:"id"`
	GroupID     string          `json:"groupId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PaidBy      string          `json:"paidBy"`
	Category    string          `json:"category,omitempty"`

	// IntervalDays is the generation period. NextAt is the Unix timestamp
	// of the next instance due.
	IntervalDays int   `json:"intervalDays"`
	NextAt       int64 `json:"nextAt"`
}

// Instance materializes the next Expense from the template. The caller
// assigns the ID and advances NextAt after a successful submission.
func (r *RecurringExpense) Instance() *Expense {
	return &Expense{
		GroupID:     r.GroupID,
		Description: r.Description,
		Amount:      r.Amount,
		Currency:    r.Currency,
		PaidBy:      r.PaidBy,
		Category:    r.Category,
	}
}
