package channel

import (
	"context"
	"testing"

	"github.com/divvyup/divvy/internal/protocol"
)

func drain(sub *Subscription) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg := <-sub.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestPublishReachesGroupSubscribers(t *testing.T) {
	hub := NewHub()
	alice := hub.Subscribe("g1", "alice")
	bob := hub.Subscribe("g1", "bob")
	carol := hub.Subscribe("g2", "carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	hub.Publish("g1", protocol.MustNew(protocol.TypeActivityEvent, nil))

	if got := len(drain(alice)); got != 1 {
		t.Errorf("alice: expected 1 message, got %d", got)
	}
	if got := len(drain(bob)); got != 1 {
		t.Errorf("bob: expected 1 message, got %d", got)
	}
	if got := len(drain(carol)); got != 0 {
		t.Errorf("carol in g2 received %d messages from g1", got)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("g1", "alice")
	defer sub.Close()

	hub.Publish("g1", protocol.MustNew(protocol.TypePresenceUpdate, nil))
	hub.Publish("g1", protocol.MustNew(protocol.TypeActivityEvent, nil))
	hub.Publish("g1", protocol.MustNew(protocol.TypeExpenseUpdate, nil))

	msgs := drain(sub)
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(msgs))
	}
	want := []protocol.MessageType{
		protocol.TypePresenceUpdate, protocol.TypeActivityEvent, protocol.TypeExpenseUpdate,
	}
	for i, w := range want {
		if msgs[i].Type != w {
			t.Errorf("Message %d: got %s, want %s", i, msgs[i].Type, w)
		}
	}
}

func TestSlowSubscriberLosesFramesNotPublisher(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("g1", "slow")
	defer slow.Close()

	// Nobody drains; publishing past the buffer must not block and the
	// overflow is dropped.
	total := sendBuffer * 2
	for i := 0; i < total; i++ {
		hub.Publish("g1", protocol.MustNew(protocol.TypeActivityEvent, nil))
	}

	if got := len(drain(slow)); got != sendBuffer {
		t.Errorf("Expected exactly %d buffered frames, got %d", sendBuffer, got)
	}
}

func TestCloseReleasesSubscription(t *testing.T) {
	hub := NewHub()

	var droppedGroup, droppedUser string
	hub.OnUnsubscribe(func(groupID, userID string) {
		droppedGroup, droppedUser = groupID, userID
	})

	sub := hub.Subscribe("g1", "alice")
	sub.Close()
	sub.Close() // idempotent

	if droppedGroup != "g1" || droppedUser != "alice" {
		t.Errorf("Unsubscribe hook got (%s, %s), want (g1, alice)", droppedGroup, droppedUser)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("Expected closed message channel after Close")
	}

	// Publishing and delivering after close must not panic.
	hub.Publish("g1", protocol.MustNew(protocol.TypeActivityEvent, nil))
	sub.Deliver(protocol.MustNew(protocol.TypePong, nil))
}

func TestDeliverTargetsOneSubscriber(t *testing.T) {
	hub := NewHub()
	alice := hub.Subscribe("g1", "alice")
	bob := hub.Subscribe("g1", "bob")
	defer alice.Close()
	defer bob.Close()

	alice.Deliver(protocol.MustNew(protocol.TypeExpenseUpdate, nil))

	if got := len(drain(alice)); got != 1 {
		t.Errorf("alice: expected 1 direct message, got %d", got)
	}
	if got := len(drain(bob)); got != 0 {
		t.Errorf("bob received %d messages delivered to alice", got)
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	hub := NewHub()

	var seen Intent
	hub.OnIntent(func(ctx context.Context, intent Intent) {
		seen = intent
	})

	hub.Dispatch(context.Background(), Intent{
		UserID:  "alice",
		GroupID: "g1",
		Msg:     protocol.MustNew(protocol.TypeUserTyping, nil),
	})

	if seen.UserID != "alice" || seen.GroupID != "g1" {
		t.Errorf("Handler saw intent from (%s, %s), want (alice, g1)", seen.UserID, seen.GroupID)
	}
	if seen.Msg.Type != protocol.TypeUserTyping {
		t.Errorf("Handler saw type %s, want user_typing", seen.Msg.Type)
	}
}
