// Package models defines the core domain models for the Divvy sync server.
//
// # Model Groups
//
// The models fall into four clusters:
//   - Group membership: Group, GroupMember, User
//   - Expenses: Expense, RecurringExpense
//   - Realtime collaboration: PresenceEntry, ActivityEvent, OptimisticUpdate
//   - Approval workflow: ApprovalRule, ApprovalRequest, ApprovalAction
//
// # Design Principles
//
//  1. **Closed payloads**: activity details and wire payloads are typed
//     structs, never map[string]any. The shape of every event is statically
//     checked against its discriminant.
//  2. **Exact money**: amounts use decimal.Decimal so threshold comparisons
//     in the approval engine never suffer float drift.
//  3. **Avoid circular references**: relationships use ID strings, not
//     pointers to other models.
//  4. **Snapshots over live reads**: an ApprovalRequest carries a copy of
//     the rule that gated it, so a rule change never races an in-flight
//     quorum evaluation.
package models
