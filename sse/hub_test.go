package sse

import (
	"testing"

	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/logger"
)

func drain(c *Client) []bus.ProgressEvent {
	var events []bus.ProgressEvent
	for {
		select {
		case e := <-c.Outbound:
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestDispatchRoutesBySession(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a := hub.Register("session-a")
	b := hub.Register("session-b")
	defer hub.Close(a)
	defer hub.Close(b)

	hub.Dispatch(bus.ProgressEvent{
		Type:            bus.EventTrainingProgress,
		ClientSessionID: "session-a",
		Current:         10,
		Total:           50,
	})

	if got := drain(a); len(got) != 1 {
		t.Fatalf("session-a expected 1 event, got %d", len(got))
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("session-b expected no events, got %d", len(got))
	}
}

func TestDispatchBroadcastsWithoutSession(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a := hub.Register("session-a")
	b := hub.Register("session-b")
	defer hub.Close(a)
	defer hub.Close(b)

	hub.Dispatch(bus.ProgressEvent{Type: bus.EventExtractionProgress, Current: 100, Total: 100})

	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Fatal("all connections should receive events without a session id")
	}
}

func TestMultipleConnectionsPerSession(t *testing.T) {
	hub := NewHub(logger.NewNop())
	tab1 := hub.Register("session-a")
	tab2 := hub.Register("session-a")
	defer hub.Close(tab1)
	defer hub.Close(tab2)

	hub.Dispatch(bus.ProgressEvent{ClientSessionID: "session-a", Current: 1, Total: 2})

	if len(drain(tab1)) != 1 || len(drain(tab2)) != 1 {
		t.Fatal("every connection in the session should receive the event")
	}
}

func TestLastConnectionLeavingRemovesSession(t *testing.T) {
	hub := NewHub(logger.NewNop())
	tab1 := hub.Register("session-a")
	tab2 := hub.Register("session-a")

	hub.Close(tab1)
	if hub.SessionCount() != 1 {
		t.Fatalf("session should survive while a connection remains, count=%d", hub.SessionCount())
	}
	hub.Close(tab2)
	if hub.SessionCount() != 0 {
		t.Fatalf("empty session should be removed, count=%d", hub.SessionCount())
	}
}

func TestDeadConnectionIsPrunedDuringDispatch(t *testing.T) {
	hub := NewHub(logger.NewNop())
	dead := hub.Register("session-a")
	live := hub.Register("session-a")
	defer hub.Close(live)

	// Close the connection without unregistering, as a dropped socket would
	close(dead.done)

	hub.Dispatch(bus.ProgressEvent{ClientSessionID: "session-a", Current: 1, Total: 1})

	if len(drain(live)) != 1 {
		t.Fatal("live connection should still receive the event")
	}

	hub.mu.RLock()
	_, stillThere := hub.sessions["session-a"][dead]
	hub.mu.RUnlock()
	if stillThere {
		t.Fatal("dead connection should have been pruned")
	}
}

func TestFullBufferDropsEventWithoutBlocking(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := hub.Register("session-a")
	defer hub.Close(c)

	// Overfill the outbound buffer; Dispatch must never block
	for i := 0; i < cap(c.Outbound)+5; i++ {
		hub.Dispatch(bus.ProgressEvent{ClientSessionID: "session-a", Current: i})
	}

	if got := len(drain(c)); got != cap(c.Outbound) {
		t.Fatalf("expected exactly %d buffered events, got %d", cap(c.Outbound), got)
	}
}
