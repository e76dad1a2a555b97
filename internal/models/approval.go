package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApprovalStatus is the state of an ApprovalRequest.
// Transitions are monotonic: once a request leaves StatusPending it never
// re-opens. A corrected expense raises a new request.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status is one of the three final states.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// ApprovalDecision is what an approver did.
type ApprovalDecision string

const (
	DecisionApprove        ApprovalDecision = "approve"
	DecisionReject         ApprovalDecision = "reject"
	DecisionRequestChanges ApprovalDecision = "request_changes"
)

// Decisive reports whether the decision counts toward quorum.
// request_changes is advisory and never settles a request.
func (d ApprovalDecision) Decisive() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ApprovalAction is one approver's recorded decision on a request.
// A repeat decisive action from the same approver replaces their prior one
// rather than appending a duplicate.
type ApprovalAction struct {
	ApproverID string           `json:"approverId"`
	Action     ApprovalDecision `json:"action"`
	ActionAt   time.Time        `json:"actionAt"`
	Comment    string           `json:"comment,omitempty"`
}

// ApprovalRule configures a group's approval threshold and quorum strategy.
// Exactly one active rule governs a group at a time.
//
// RequiredApprovers and AnyApproverCount are alternative strategies:
// when RequiredApprovers is non-empty it wins, and the request is approved
// only once every listed approver has a current approve action (a single
// reject from any of them rejects immediately). Otherwise AnyApproverCount
// distinct approvals settle the request.
type ApprovalRule struct {
	GroupID           string          `json:"groupId"`
	Threshold         decimal.Decimal `json:"threshold"`
	RequiredApprovers []string        `json:"requiredApprovers,omitempty"`
	AnyApproverCount  int             `json:"anyApproverCount,omitempty"`
	IsActive          bool            `json:"isActive"`
}

// Snapshot copies the quorum-relevant fields for embedding in a request.
func (r *ApprovalRule) Snapshot() RuleSnapshot {
	required := make([]string, len(r.RequiredApprovers))
	copy(required, r.RequiredApprovers)
	return RuleSnapshot{
		Threshold:         r.Threshold,
		RequiredApprovers: required,
		AnyApproverCount:  r.AnyApproverCount,
	}
}

// RuleSnapshot is the rule as it stood when a request was created.
// Quorum evaluation always reads the snapshot, never the live rule, so a
// rule update cannot race an in-flight evaluation.
type RuleSnapshot struct {
	Threshold         decimal.Decimal `json:"threshold"`
	RequiredApprovers []string        `json:"requiredApprovers,omitempty"`
	AnyApproverCount  int             `json:"anyApproverCount,omitempty"`
}

// ApprovalRequest gates one expense mutation that exceeded the threshold.
// At most one pending request exists per expense, enforced by the workflow
// engine.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	ExpenseID   string           `json:"expenseId"`
	GroupID     string           `json:"groupId"`
	RequestedBy string           `json:"requestedBy"`
	Amount      decimal.Decimal  `json:"amount"`
	Status      ApprovalStatus   `json:"status"`
	Approvers   []ApprovalAction `json:"approvers"`
	Rule        RuleSnapshot     `json:"rule"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	ReviewedAt  *time.Time       `json:"reviewedAt,omitempty"`
}

// ActionBy returns the recorded action for an approver, or nil.
func (r *ApprovalRequest) ActionBy(approverID string) *ApprovalAction {
	for i := range r.Approvers {
		if r.Approvers[i].ApproverID == approverID {
			return &r.Approvers[i]
		}
	}
	return nil
}
