package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/divvyup/divvy/internal/models"
)

// memPersister is an in-memory Persister for exercising the fallback and
// seeding paths without a database.
type memPersister struct {
	events  map[string][]models.ActivityEvent
	failing bool
}

func newMemPersister() *memPersister {
	return &memPersister{events: make(map[string][]models.ActivityEvent)}
}

func (p *memPersister) AppendActivity(ctx context.Context, event *models.ActivityEvent) error {
	if p.failing {
		return errors.New("disk full")
	}
	p.events[event.GroupID] = append(p.events[event.GroupID], *event)
	return nil
}

func (p *memPersister) ActivitySince(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error) {
	var out []models.ActivityEvent
	for _, e := range p.events[groupID] {
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *memPersister) LastActivitySeq(ctx context.Context, groupID string) (uint64, error) {
	events := p.events[groupID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func appendEvent(t *testing.T, f *Feed, groupID, entityID string) models.ActivityEvent {
	t.Helper()
	event, err := f.Append(context.Background(), models.ActivityEvent{
		Type:        "expense",
		GroupID:     groupID,
		EntityID:    entityID,
		EntityType:  models.EntityExpense,
		Action:      models.ActionCreated,
		ActorUserID: "alice",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return event
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	f := New(nil)

	var last uint64
	for i := 0; i < 10; i++ {
		event := appendEvent(t, f, "g1", "e1")
		if event.Seq <= last {
			t.Fatalf("Seq not strictly increasing: got %d after %d", event.Seq, last)
		}
		last = event.Seq
	}
	if last != 10 {
		t.Errorf("Expected final seq 10, got %d", last)
	}
}

func TestGroupsCountIndependently(t *testing.T) {
	f := New(nil)

	appendEvent(t, f, "g1", "e1")
	appendEvent(t, f, "g1", "e2")
	e := appendEvent(t, f, "g2", "e3")

	if e.Seq != 1 {
		t.Errorf("Expected g2 to start at seq 1, got %d", e.Seq)
	}
}

func TestSinceReturnsOrderedTail(t *testing.T) {
	f := New(nil)
	for i := 0; i < 5; i++ {
		appendEvent(t, f, "g1", "e")
	}

	events, err := f.Since(context.Background(), "g1", 2)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after cursor 2, got %d", len(events))
	}
	for i, e := range events {
		if want := uint64(3 + i); e.Seq != want {
			t.Errorf("Event %d: got seq %d, want %d", i, e.Seq, want)
		}
	}

	// Same cursor, same result.
	again, err := f.Since(context.Background(), "g1", 2)
	if err != nil {
		t.Fatalf("Second Since failed: %v", err)
	}
	if len(again) != len(events) {
		t.Errorf("Since not repeatable: got %d then %d events", len(events), len(again))
	}
}

func TestSinceBeyondHeadIsEmpty(t *testing.T) {
	f := New(nil)
	appendEvent(t, f, "g1", "e")

	events, err := f.Since(context.Background(), "g1", 99)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events beyond head, got %d", len(events))
	}
}

func TestSeedsSeqFromPersister(t *testing.T) {
	p := newMemPersister()
	p.events["g1"] = []models.ActivityEvent{{GroupID: "g1", Seq: 7}}

	f := New(p)
	event := appendEvent(t, f, "g1", "e")
	if event.Seq != 8 {
		t.Errorf("Expected seq to resume at 8, got %d", event.Seq)
	}
}

func TestSinceFallsThroughToPersister(t *testing.T) {
	p := newMemPersister()
	p.events["g1"] = []models.ActivityEvent{
		{GroupID: "g1", Seq: 1, EntityID: "old-1"},
		{GroupID: "g1", Seq: 2, EntityID: "old-2"},
	}

	// A fresh feed has no in-memory tail before seq 3, so a cursor of 0
	// must be served from the persister.
	f := New(p)
	events, err := f.Since(context.Background(), "g1", 0)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 persisted events, got %d", len(events))
	}
	if events[0].EntityID != "old-1" || events[1].EntityID != "old-2" {
		t.Errorf("Unexpected events from persister: %+v", events)
	}
}

func TestAppendFailureAssignsNoSeq(t *testing.T) {
	p := newMemPersister()
	f := New(p)
	appendEvent(t, f, "g1", "e")

	p.failing = true
	_, err := f.Append(context.Background(), models.ActivityEvent{GroupID: "g1"})
	if err == nil {
		t.Fatal("Expected append to fail when persistence fails")
	}

	// The failed append must not burn a sequence number.
	p.failing = false
	event := appendEvent(t, f, "g1", "e")
	if event.Seq != 2 {
		t.Errorf("Expected seq 2 after failed append, got %d", event.Seq)
	}
}

func TestInMemoryTailIsBounded(t *testing.T) {
	f := New(nil)
	for i := 0; i < maxInMemory+50; i++ {
		appendEvent(t, f, "g1", "e")
	}

	// Recent events still come from memory.
	events, err := f.Since(context.Background(), "g1", uint64(maxInMemory))
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 50 {
		t.Errorf("Expected 50 recent events, got %d", len(events))
	}

	// With no persister, a cursor before the retained tail yields nothing
	// rather than an error.
	events, err = f.Since(context.Background(), "g1", 0)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if events != nil {
		t.Errorf("Expected nil for evicted range without persister, got %d events", len(events))
	}
}
