package presence

import (
	"testing"
	"time"

	"github.com/divvyup/divvy/internal/protocol"
)

// capturingPublisher records every published roster frame.
type capturingPublisher struct {
	messages []protocol.Message
	groups   []string
}

func (p *capturingPublisher) Publish(groupID string, msg protocol.Message) {
	p.groups = append(p.groups, groupID)
	p.messages = append(p.messages, msg)
}

func (p *capturingPublisher) lastRoster(t *testing.T) protocol.PresenceUpdate {
	t.Helper()
	if len(p.messages) == 0 {
		t.Fatal("No presence update published")
	}
	msg := p.messages[len(p.messages)-1]
	if msg.Type != protocol.TypePresenceUpdate {
		t.Fatalf("Expected presence_update, got %s", msg.Type)
	}
	update, err := protocol.Decode[protocol.PresenceUpdate](&msg)
	if err != nil {
		t.Fatalf("Failed to decode roster: %v", err)
	}
	return *update
}

func TestAnnouncePublishesSortedRoster(t *testing.T) {
	pub := &capturingPublisher{}
	tracker := New(pub, time.Minute)

	tracker.Announce("u2", "Bob", "g1", protocol.PresenceAnnounce{View: "expenses"})
	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})

	roster := pub.lastRoster(t)
	if len(roster.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(roster.Entries))
	}
	if roster.Entries[0].UserName != "Alice" || roster.Entries[1].UserName != "Bob" {
		t.Errorf("Roster not sorted by name: %s, %s",
			roster.Entries[0].UserName, roster.Entries[1].UserName)
	}
	if roster.Entries[0].CurrentView != "feed" {
		t.Errorf("Expected Alice viewing feed, got %s", roster.Entries[0].CurrentView)
	}
}

func TestAnnounceUpsertsEntry(t *testing.T) {
	pub := &capturingPublisher{}
	tracker := New(pub, time.Minute)

	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{
		View: "expenses", IsEditing: true, EditingEntityID: "e1",
	})

	entries := tracker.List("g1")
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry after re-announce, got %d", len(entries))
	}
	if entries[0].CurrentView != "expenses" || !entries[0].IsEditing || entries[0].EditingEntityID != "e1" {
		t.Errorf("Entry not updated: %+v", entries[0])
	}
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	pub := &capturingPublisher{}
	tracker := New(pub, 30*time.Second)

	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Announce("u2", "Bob", "g1", protocol.PresenceAnnounce{View: "feed"})

	removed := tracker.Sweep(time.Now())
	if removed != 0 {
		t.Fatalf("Expected nothing swept inside the window, got %d", removed)
	}

	removed = tracker.Sweep(time.Now().Add(time.Minute))
	if removed != 2 {
		t.Fatalf("Expected 2 stale entries swept, got %d", removed)
	}
	if entries := tracker.List("g1"); len(entries) != 0 {
		t.Errorf("Expected empty roster after sweep, got %d entries", len(entries))
	}

	roster := pub.lastRoster(t)
	if len(roster.Entries) != 0 {
		t.Errorf("Expected empty roster published after sweep, got %d", len(roster.Entries))
	}
}

func TestTouchKeepsEntryAlive(t *testing.T) {
	tracker := New(nil, 30*time.Second)

	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Touch("u1", "g1")

	if removed := tracker.Sweep(time.Now().Add(25 * time.Second)); removed != 0 {
		t.Errorf("Entry swept despite recent heartbeat")
	}
}

func TestTouchUnknownUserIsIgnored(t *testing.T) {
	tracker := New(nil, time.Minute)
	tracker.Touch("ghost", "g1")
	if entries := tracker.List("g1"); len(entries) != 0 {
		t.Errorf("Touch must not create entries, got %d", len(entries))
	}
}

func TestDropPublishesUpdatedRoster(t *testing.T) {
	pub := &capturingPublisher{}
	tracker := New(pub, time.Minute)

	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Announce("u2", "Bob", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Drop("u1", "g1")

	roster := pub.lastRoster(t)
	if len(roster.Entries) != 1 || roster.Entries[0].UserID != "u2" {
		t.Errorf("Expected only Bob after drop, got %+v", roster.Entries)
	}

	// Dropping an absent user publishes nothing.
	before := len(pub.messages)
	tracker.Drop("u1", "g1")
	if len(pub.messages) != before {
		t.Error("Drop of absent user published a roster")
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	pub := &capturingPublisher{}
	tracker := New(pub, time.Minute)

	tracker.Announce("u1", "Alice", "g1", protocol.PresenceAnnounce{View: "feed"})
	tracker.Announce("u1", "Alice", "g2", protocol.PresenceAnnounce{View: "expenses"})

	if len(tracker.List("g1")) != 1 || len(tracker.List("g2")) != 1 {
		t.Error("Expected one entry per group")
	}

	tracker.Drop("u1", "g1")
	if len(tracker.List("g2")) != 1 {
		t.Error("Drop in g1 must not affect g2")
	}
}
