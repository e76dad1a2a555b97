// Package feed implements the per-group activity feed: an append-only,
// causally-ordered log of domain events.
//
// Append is the single mutation; committed events are never updated or
// deleted. Each group carries its own strictly increasing sequence counter,
// and appends for one group are serialized while different groups proceed
// fully in parallel.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/divvyup/divvy/internal/models"
)

// maxInMemory bounds the per-group tail kept in memory for fast catch-up.
// Older events are served from the persister.
const maxInMemory = 512

// Persister durably stores committed events. The SQLite store implements
// it; a nil persister keeps the feed purely in memory (used in tests).
type Persister interface {
	AppendActivity(ctx context.Context, event *models.ActivityEvent) error
	ActivitySince(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error)
	LastActivitySeq(ctx context.Context, groupID string) (uint64, error)
}

// Feed is the process-wide registry of per-group activity logs.
type Feed struct {
	persister Persister

	mu     sync.Mutex
	groups map[string]*groupLog
}

// groupLog holds one group's recent events and sequence counter.
// Its mutex serializes appends for the group.
type groupLog struct {
	mu      sync.Mutex
	nextSeq uint64
	// events is the in-memory tail, ordered by seq. firstSeq is the seq of
	// events[0]; when a cursor predates it, Since falls through to the
	// persister.
	firstSeq uint64
	events   []models.ActivityEvent
}

// New creates a feed backed by the given persister (may be nil).
func New(persister Persister) *Feed {
	return &Feed{
		persister: persister,
		groups:    make(map[string]*groupLog),
	}
}

// group returns the log for groupID, creating and seeding it on first use.
func (f *Feed) group(ctx context.Context, groupID string) (*groupLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.groups[groupID]; ok {
		return g, nil
	}

	g := &groupLog{nextSeq: 1}
	if f.persister != nil {
		last, err := f.persister.LastActivitySeq(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("failed to seed sequence for group %s: %w", groupID, err)
		}
		g.nextSeq = last + 1
	}
	g.firstSeq = g.nextSeq
	f.groups[groupID] = g
	return g, nil
}

// Append assigns the next per-group sequence number (when the event lacks
// one), durably persists the event, then records it in memory. The stored
// event is returned. Nothing may publish an event before Append returns.
func (f *Feed) Append(ctx context.Context, event models.ActivityEvent) (models.ActivityEvent, error) {
	g, err := f.group(ctx, event.GroupID)
	if err != nil {
		return models.ActivityEvent{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if event.Seq == 0 {
		event.Seq = g.nextSeq
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if f.persister != nil {
		if err := f.persister.AppendActivity(ctx, &event); err != nil {
			return models.ActivityEvent{}, fmt.Errorf("failed to persist event: %w", err)
		}
	}

	g.nextSeq = event.Seq + 1
	g.events = append(g.events, event)
	if len(g.events) > maxInMemory {
		drop := len(g.events) - maxInMemory
		g.firstSeq = g.events[drop].Seq
		g.events = append(g.events[:0], g.events[drop:]...)
	}
	return event, nil
}

// Since returns all of a group's events with sequence numbers greater than
// cursor, in order. Calling it repeatedly with the same cursor yields the
// same result set; it is the catch-up path for reconnecting clients.
func (f *Feed) Since(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error) {
	g, err := f.group(ctx, groupID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	inMemory := cursor+1 >= g.firstSeq
	var tail []models.ActivityEvent
	if inMemory {
		for i := range g.events {
			if g.events[i].Seq > cursor {
				tail = append(tail, g.events[i:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	if inMemory {
		return tail, nil
	}
	if f.persister == nil {
		return nil, nil
	}
	return f.persister.ActivitySince(ctx, groupID, cursor)
}
