// Package presence tracks per-user liveness and location within a group.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/divvyup/divvy/internal/metrics"
	"github.com/divvyup/divvy/internal/models"
	"github.com/divvyup/divvy/internal/protocol"
)

// DefaultLiveness is the window after which an entry with no heartbeat is
// swept.
const DefaultLiveness = 30 * time.Second

// Publisher fans a message out to a group's subscribers. The realtime
// channel hub implements it.
type Publisher interface {
	Publish(groupID string, msg protocol.Message)
}

// Tracker maintains presence entries per group. Announce upserts, Sweep
// expires, List snapshots. Every announce and every sweep-induced removal
// publishes a presence_update for the affected group.
type Tracker struct {
	publisher Publisher
	liveness  time.Duration

	mu      sync.Mutex
	entries map[string]map[string]*models.PresenceEntry // groupID -> userID -> entry
}

// New creates a tracker with the given liveness window. A zero liveness
// falls back to DefaultLiveness.
func New(publisher Publisher, liveness time.Duration) *Tracker {
	if liveness <= 0 {
		liveness = DefaultLiveness
	}
	return &Tracker{
		publisher: publisher,
		liveness:  liveness,
		entries:   make(map[string]map[string]*models.PresenceEntry),
	}
}

// Announce upserts the presence entry for a user in a group with
// lastSeen = now. It is idempotent and has no error path.
func (t *Tracker) Announce(userID, userName, groupID string, ann protocol.PresenceAnnounce) {
	t.mu.Lock()
	group := t.entries[groupID]
	if group == nil {
		group = make(map[string]*models.PresenceEntry)
		t.entries[groupID] = group
	}
	group[userID] = &models.PresenceEntry{
		UserID:          userID,
		UserName:        userName,
		GroupID:         groupID,
		CurrentView:     ann.View,
		IsEditing:       ann.IsEditing,
		EditingEntityID: ann.EditingEntityID,
		LastSeen:        time.Now(),
	}
	roster := t.snapshotLocked(groupID)
	t.mu.Unlock()

	t.publishRoster(groupID, roster)
}

// Touch refreshes lastSeen for an existing entry without changing view
// state or publishing a roster. Heartbeats land here; a heartbeat from a
// user with no entry yet is ignored (the first real announce creates it).
func (t *Tracker) Touch(userID, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[groupID][userID]; ok {
		entry.LastSeen = time.Now()
	}
}

// Drop removes a user's entry immediately (session disconnect).
func (t *Tracker) Drop(userID, groupID string) {
	t.mu.Lock()
	group := t.entries[groupID]
	if _, ok := group[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(group, userID)
	roster := t.snapshotLocked(groupID)
	t.mu.Unlock()

	t.publishRoster(groupID, roster)
}

// Sweep removes every entry whose lastSeen is older than the liveness
// window relative to now, publishing an updated roster per affected group.
// It returns the number of removed entries.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.liveness)

	t.mu.Lock()
	removed := 0
	affected := make(map[string][]models.PresenceEntry)
	for groupID, group := range t.entries {
		changed := false
		for userID, entry := range group {
			if entry.LastSeen.Before(cutoff) {
				delete(group, userID)
				removed++
				changed = true
			}
		}
		if changed {
			affected[groupID] = t.snapshotLocked(groupID)
		}
		if len(group) == 0 {
			delete(t.entries, groupID)
		}
	}
	t.mu.Unlock()

	for groupID, roster := range affected {
		t.publishRoster(groupID, roster)
	}
	if removed > 0 {
		metrics.PresenceSwept.Add(float64(removed))
	}
	return removed
}

// List returns the current snapshot of active entries for a group, ordered
// by user name for display stability.
func (t *Tracker) List(groupID string) []models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(groupID)
}

// snapshotLocked copies a group's roster sorted by user name.
// Caller holds t.mu.
func (t *Tracker) snapshotLocked(groupID string) []models.PresenceEntry {
	group := t.entries[groupID]
	roster := make([]models.PresenceEntry, 0, len(group))
	for _, entry := range group {
		roster = append(roster, *entry)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].UserName != roster[j].UserName {
			return roster[i].UserName < roster[j].UserName
		}
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}

func (t *Tracker) publishRoster(groupID string, roster []models.PresenceEntry) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(groupID, protocol.MustNew(protocol.TypePresenceUpdate, protocol.PresenceUpdate{
		GroupID: groupID,
		Entries: roster,
	}))
}

// RunSweeper sweeps on a fixed interval until ctx is cancelled. It runs on
// its own timer, independent of client traffic.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := t.Sweep(now); removed > 0 {
				slog.Debug("Presence sweep removed stale entries", "removed", removed)
			}
		}
	}
}
