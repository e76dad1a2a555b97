// Package reconcile implements the client side of optimistic mutation:
// tracking applied-but-unconfirmed updates, matching server confirmations,
// expiring stale updates, and resolving conflicts between locally
// optimistic and server-confirmed state.
//
// It lives in the server repo for symmetry with the protocol: Go clients
// embed it, and the engine tests exercise the full round trip against it.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
)

// DefaultTimeout is the reconciliation deadline: a pending update with no
// confirmation within it is treated as failed and rolled back.
const DefaultTimeout = 10 * time.Second

// Hooks receive reconciliation outcomes. All callbacks run on the
// manager's scanner or caller goroutine — scheduled work, never a blocking
// call on the applying path — and must not call back into the manager.
type Hooks struct {
	// ApplyLocal makes a value visible in local state.
	ApplyLocal func(kind models.EntityType, entityID string, value json.RawMessage)
	// Rollback restores the last server-confirmed value after a failure.
	Rollback func(kind models.EntityType, entityID string, baseline json.RawMessage)
	// Failed surfaces a user-visible failure signal for an update.
	Failed func(update models.OptimisticUpdate, reason string)
	// Submit sends a (re-)issued optimistic update to the server.
	Submit func(update models.OptimisticUpdate)
}

// pending pairs an optimistic update with the pre-mutation baseline used
// for rollback.
type pending struct {
	update   models.OptimisticUpdate
	baseline json.RawMessage
}

// Manager owns a client session's outstanding optimistic updates. No other
// party mutates them.
type Manager struct {
	timeout  time.Duration
	resolver *Resolver
	hooks    Hooks

	mu        sync.Mutex
	pending   map[string]*pending            // by update ID
	byEntity  map[string][]string            // entityKind/entityID -> update IDs
	conflicts map[string]*ConflictResolution // manual resolutions awaiting action
}

// NewManager creates a manager. A zero timeout falls back to DefaultTimeout.
func NewManager(resolver *Resolver, timeout time.Duration, hooks Hooks) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		timeout:   timeout,
		resolver:  resolver,
		hooks:     hooks,
		pending:   make(map[string]*pending),
		byEntity:  make(map[string][]string),
		conflicts: make(map[string]*ConflictResolution),
	}
}

func entityKey(kind models.EntityType, entityID string) string {
	return string(kind) + "/" + entityID
}

// Apply records a local mutation, applies it to visible state immediately
// (no suspension), and submits the intent. It returns the update so the
// caller can carry its ID on the wire.
func (m *Manager) Apply(kind models.EntityType, entityID string, op models.Operation, payload, baseline json.RawMessage) models.OptimisticUpdate {
	update := models.OptimisticUpdate{
		ID:          uuid.New().String(),
		EntityKind:  kind,
		EntityID:    entityID,
		Operation:   op,
		Payload:     payload,
		SubmittedAt: time.Now(),
		Status:      models.UpdatePending,
	}

	m.mu.Lock()
	key := entityKey(kind, entityID)
	m.pending[update.ID] = &pending{update: update, baseline: baseline}
	m.byEntity[key] = append(m.byEntity[key], update.ID)
	m.mu.Unlock()

	if m.hooks.ApplyLocal != nil {
		m.hooks.ApplyLocal(kind, entityID, payload)
	}
	if m.hooks.Submit != nil {
		m.hooks.Submit(update)
	}
	return update
}

// Confirm matches a server confirmation to its originating update. When
// the confirmed value equals the optimistic one the record is simply
// discarded — the visible value stays put, no flicker. A diverging value
// goes through the conflict resolver.
func (m *Manager) Confirm(updateID string, serverValue json.RawMessage) {
	m.mu.Lock()
	p, ok := m.pending[updateID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.removeLocked(updateID)
	m.mu.Unlock()

	if bytes.Equal(p.update.Payload, serverValue) || serverValue == nil {
		return
	}
	m.resolve(p, serverValue)
}

// Reject marks an update failed on explicit server rejection and rolls the
// visible state back to the last server-confirmed value.
func (m *Manager) Reject(updateID, reason string) {
	m.mu.Lock()
	p, ok := m.pending[updateID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.removeLocked(updateID)
	m.mu.Unlock()

	m.fail(p, reason)
}

// ObserveServer reports a server-confirmed value for an entity that may
// have pending local updates not matched by id (another client's change).
// Each still-pending update for that entity goes through the resolver; one
// whose optimistic value already equals the server's is discarded without
// re-applying, same as Confirm.
func (m *Manager) ObserveServer(kind models.EntityType, entityID string, serverValue json.RawMessage) {
	key := entityKey(kind, entityID)

	m.mu.Lock()
	ids := m.byEntity[key]
	conflicting := make([]*pending, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.pending[id]; ok {
			conflicting = append(conflicting, p)
		}
	}
	for _, p := range conflicting {
		m.removeLocked(p.update.ID)
	}
	m.mu.Unlock()

	for _, p := range conflicting {
		if bytes.Equal(p.update.Payload, serverValue) {
			continue
		}
		m.resolve(p, serverValue)
	}
}

// ResolveManual supplies the resolved version for a deferred conflict.
func (m *Manager) ResolveManual(conflictID string, resolved json.RawMessage) bool {
	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if ok {
		delete(m.conflicts, conflictID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	c.ResolvedVersion = resolved
	if m.hooks.ApplyLocal != nil {
		m.hooks.ApplyLocal(c.EntityKind, c.EntityID, resolved)
	}
	return true
}

// Conflicts returns the conflicts still awaiting manual resolution.
func (m *Manager) Conflicts() []ConflictResolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConflictResolution, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, *c)
	}
	return out
}

// Pending returns the update if it is still outstanding.
func (m *Manager) Pending(updateID string) (models.OptimisticUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[updateID]
	if !ok {
		return models.OptimisticUpdate{}, false
	}
	return p.update, true
}

// Expire fails every pending update older than the reconciliation timeout
// relative to now. Returns the number expired.
func (m *Manager) Expire(now time.Time) int {
	cutoff := now.Add(-m.timeout)

	m.mu.Lock()
	var expired []*pending
	for id, p := range m.pending {
		if p.update.SubmittedAt.Before(cutoff) {
			expired = append(expired, p)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		metrics.OptimisticTimeouts.Inc()
		m.fail(p, "no confirmation before reconciliation deadline")
	}
	return len(expired)
}

// Run scans for expired updates until ctx is cancelled. Reconciliation is
// scheduled work off the applying path.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Expire(now); n > 0 {
				slog.Debug("Expired optimistic updates", "count", n)
			}
		}
	}
}

// removeLocked drops an update from both indexes. Caller holds m.mu.
func (m *Manager) removeLocked(updateID string) {
	p, ok := m.pending[updateID]
	if !ok {
		return
	}
	delete(m.pending, updateID)

	key := entityKey(p.update.EntityKind, p.update.EntityID)
	ids := m.byEntity[key]
	for i, id := range ids {
		if id == updateID {
			m.byEntity[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byEntity[key]) == 0 {
		delete(m.byEntity, key)
	}
}

// fail marks an update failed, rolls back, and surfaces the signal.
func (m *Manager) fail(p *pending, reason string) {
	p.update.Status = models.UpdateFailed
	if m.hooks.Rollback != nil {
		m.hooks.Rollback(p.update.EntityKind, p.update.EntityID, p.baseline)
	}
	if m.hooks.Failed != nil {
		m.hooks.Failed(p.update, reason)
	}
}

// resolve runs the conflict resolver for a divergence and applies its
// outcome.
func (m *Manager) resolve(p *pending, serverValue json.RawMessage) {
	outcome, err := m.resolver.Resolve(p.update.EntityKind, p.update.EntityID, p.update.Payload, serverValue)
	if err != nil {
		slog.Warn("Conflict resolution failed; falling back to server value",
			"entity_id", p.update.EntityID, "error", err)
		outcome = Outcome{Disposition: ApplyServer}
	}

	switch outcome.Disposition {
	case ApplyServer:
		if m.hooks.ApplyLocal != nil {
			m.hooks.ApplyLocal(p.update.EntityKind, p.update.EntityID, serverValue)
		}

	case Reissue:
		// The server value becomes the new baseline; the local value goes
		// out again as a fresh update superseding it.
		m.Apply(p.update.EntityKind, p.update.EntityID, p.update.Operation, p.update.Payload, serverValue)

	case ApplyMerged:
		if m.hooks.ApplyLocal != nil {
			m.hooks.ApplyLocal(p.update.EntityKind, p.update.EntityID, outcome.Merged)
		}

	case Deferred:
		m.mu.Lock()
		m.conflicts[outcome.Conflict.ID] = outcome.Conflict
		m.mu.Unlock()
	}
}
