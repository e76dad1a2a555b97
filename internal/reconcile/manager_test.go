package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/divvyup/divvy/internal/models"
)

// recorder collects hook invocations for assertions.
type recorder struct {
	applied   []json.RawMessage
	rollbacks []json.RawMessage
	failures  []string
	submitted []models.OptimisticUpdate
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		ApplyLocal: func(kind models.EntityType, entityID string, value json.RawMessage) {
			r.applied = append(r.applied, value)
		},
		Rollback: func(kind models.EntityType, entityID string, baseline json.RawMessage) {
			r.rollbacks = append(r.rollbacks, baseline)
		},
		Failed: func(update models.OptimisticUpdate, reason string) {
			r.failures = append(r.failures, reason)
		},
		Submit: func(update models.OptimisticUpdate) {
			r.submitted = append(r.submitted, update)
		},
	}
}

func serverWinsManager(rec *recorder) *Manager {
	return NewManager(NewResolver(nil, nil), time.Second, rec.hooks())
}

func TestApplyIsImmediateAndSubmitted(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	payload := json.RawMessage(`{"amount":"80"}`)
	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, payload, json.RawMessage(`{"amount":"75"}`))

	if update.ID == "" {
		t.Fatal("Expected update to carry an ID")
	}
	if len(rec.applied) != 1 || string(rec.applied[0]) != string(payload) {
		t.Error("Local state not updated immediately on Apply")
	}
	if len(rec.submitted) != 1 || rec.submitted[0].ID != update.ID {
		t.Error("Update not submitted")
	}
	if _, ok := m.Pending(update.ID); !ok {
		t.Error("Update not tracked as pending")
	}
}

func TestConfirmMatchingValueIsInvisible(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	payload := json.RawMessage(`{"amount":"80"}`)
	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, payload, nil)
	applied := len(rec.applied)

	m.Confirm(update.ID, payload)

	// Matching confirmation is a pure bookkeeping discard: no re-apply, no
	// rollback, nothing visible.
	if len(rec.applied) != applied {
		t.Error("Matching confirmation re-applied state")
	}
	if len(rec.rollbacks) != 0 || len(rec.failures) != 0 {
		t.Error("Matching confirmation triggered failure handling")
	}
	if _, ok := m.Pending(update.ID); ok {
		t.Error("Confirmed update still pending")
	}
}

func TestConfirmDivergenceAppliesServerValue(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, json.RawMessage(`{"amount":"80"}`), nil)
	serverValue := json.RawMessage(`{"amount":"75"}`)
	m.Confirm(update.ID, serverValue)

	if len(rec.applied) != 2 || string(rec.applied[1]) != string(serverValue) {
		t.Errorf("Expected server value applied under server_wins, got %v", rec.applied)
	}
}

func TestClientWinsReissues(t *testing.T) {
	rec := &recorder{}
	m := NewManager(
		NewResolver(map[models.EntityType]Strategy{models.EntityExpense: ClientWins}, nil),
		time.Second, rec.hooks(),
	)

	local := json.RawMessage(`{"amount":"80"}`)
	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, local, nil)
	m.Confirm(update.ID, json.RawMessage(`{"amount":"75"}`))

	if len(rec.submitted) != 2 {
		t.Fatalf("Expected a re-issued submission, got %d total", len(rec.submitted))
	}
	reissued := rec.submitted[1]
	if reissued.ID == update.ID {
		t.Error("Re-issue must be a fresh update, not the old ID")
	}
	if string(reissued.Payload) != string(local) {
		t.Error("Re-issue must carry the local value")
	}
	if _, ok := m.Pending(reissued.ID); !ok {
		t.Error("Re-issued update not pending")
	}
}

func TestRejectRollsBackToBaseline(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	baseline := json.RawMessage(`{"amount":"75"}`)
	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, json.RawMessage(`{"amount":"80"}`), baseline)
	m.Reject(update.ID, "not an active group member")

	if len(rec.rollbacks) != 1 || string(rec.rollbacks[0]) != string(baseline) {
		t.Error("Rejection must roll back to the server-confirmed baseline")
	}
	if len(rec.failures) != 1 || rec.failures[0] != "not an active group member" {
		t.Errorf("Failure signal missing or wrong: %v", rec.failures)
	}
}

func TestExpireFailsStaleUpdates(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	baseline := json.RawMessage(`{"amount":"75"}`)
	m.Apply(models.EntityExpense, "e1", models.OpUpdate, json.RawMessage(`{"amount":"80"}`), baseline)

	if n := m.Expire(time.Now()); n != 0 {
		t.Fatalf("Fresh update expired immediately: %d", n)
	}
	if n := m.Expire(time.Now().Add(2 * time.Second)); n != 1 {
		t.Fatalf("Expected 1 expired update, got %d", n)
	}
	if len(rec.rollbacks) != 1 {
		t.Error("Expiry must roll back to the baseline")
	}
	if len(rec.failures) != 1 {
		t.Error("Expiry must surface a failure signal")
	}
}

func TestObserveServerResolvesForeignChange(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	m.Apply(models.EntityExpense, "e1", models.OpUpdate, json.RawMessage(`{"amount":"80"}`), nil)

	// Another client's confirmed change for the same entity arrives without
	// our update ID on it.
	serverValue := json.RawMessage(`{"amount":"90"}`)
	m.ObserveServer(models.EntityExpense, "e1", serverValue)

	if len(rec.applied) != 2 || string(rec.applied[1]) != string(serverValue) {
		t.Error("Foreign server change must win over the pending local value")
	}

	// Unrelated entities are untouched.
	m.Apply(models.EntityExpense, "e2", models.OpUpdate, json.RawMessage(`{"amount":"10"}`), nil)
	m.ObserveServer(models.EntityExpense, "e3", serverValue)
	if _, ok := m.Pending(rec.submitted[1].ID); !ok {
		t.Error("Pending update for an unrelated entity was resolved")
	}
}

func TestObserveServerMatchingValueIsInvisible(t *testing.T) {
	rec := &recorder{}
	m := serverWinsManager(rec)

	payload := json.RawMessage(`{"amount":"80"}`)
	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, payload, nil)
	applied := len(rec.applied)

	// Another client's confirmation carrying the very bytes we already
	// show: discard the record, re-apply nothing.
	m.ObserveServer(models.EntityExpense, "e1", payload)

	if len(rec.applied) != applied {
		t.Error("Matching server value re-applied state")
	}
	if len(rec.rollbacks) != 0 || len(rec.failures) != 0 {
		t.Error("Matching server value triggered failure handling")
	}
	if _, ok := m.Pending(update.ID); ok {
		t.Error("Matched update still pending")
	}
}

func TestManualConflictLifecycle(t *testing.T) {
	rec := &recorder{}
	m := NewManager(
		NewResolver(map[models.EntityType]Strategy{models.EntityExpense: Manual}, nil),
		time.Second, rec.hooks(),
	)

	update := m.Apply(models.EntityExpense, "e1", models.OpUpdate, json.RawMessage(`{"amount":"80"}`), nil)
	m.Confirm(update.ID, json.RawMessage(`{"amount":"75"}`))

	conflicts := m.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("Expected 1 deferred conflict, got %d", len(conflicts))
	}

	resolved := json.RawMessage(`{"amount":"78"}`)
	if !m.ResolveManual(conflicts[0].ID, resolved) {
		t.Fatal("ResolveManual did not find the conflict")
	}
	if string(rec.applied[len(rec.applied)-1]) != string(resolved) {
		t.Error("Resolved value not applied")
	}
	if len(m.Conflicts()) != 0 {
		t.Error("Conflict still listed after resolution")
	}
	if m.ResolveManual(conflicts[0].ID, resolved) {
		t.Error("Resolving twice should report false")
	}
}
