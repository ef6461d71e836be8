package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/elijah-farrell/nexuschat-sub001/internal/events"
)

func newTestClient(hub *Hub, userID uint, connID string) *Client {
	return &Client{
		id:     connID,
		hub:    hub,
		userID: userID,
		uname:  "user",
		send:   make(chan []byte, 256),
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.users == nil {
		t.Error("NewHub() users map is nil")
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub()
	c1 := newTestClient(hub, 1, "c1")
	c2 := newTestClient(hub, 1, "c2")

	hub.Register(c1)
	hub.Register(c2)
	if hub.Connections(1) != 2 {
		t.Errorf("Connections(1) = %d, want 2", hub.Connections(1))
	}

	hub.Unregister(c1)
	if hub.Connections(1) != 1 {
		t.Errorf("Connections(1) after unregister = %d, want 1", hub.Connections(1))
	}

	// Unregistering twice is harmless and the send channel closes exactly once.
	hub.Unregister(c1)
	hub.Unregister(c2)
	if hub.Connections(1) != 0 {
		t.Errorf("Connections(1) = %d, want 0", hub.Connections(1))
	}
	if _, open := <-c1.send; open {
		t.Error("c1 send channel still open after unregister")
	}
}

func TestPublish_FanOutToAllConnections(t *testing.T) {
	hub := NewHub()
	// User 1 has two devices, user 2 has one, user 3 is offline.
	c1 := newTestClient(hub, 1, "c1")
	c2 := newTestClient(hub, 1, "c2")
	c3 := newTestClient(hub, 2, "c3")
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	evt := events.MessageNew{MessageID: 9, ConversationID: 4, SenderID: 2, Content: "hey", Seq: 1}
	hub.Publish(evt, []uint{1, 2, 3}, "")

	for _, c := range []*Client{c1, c2, c3} {
		select {
		case raw := <-c.send:
			var env struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("unmarshal envelope: %v", err)
			}
			if env.Type != string(events.TypeMessageNew) {
				t.Errorf("envelope type = %s, want message.new", env.Type)
			}
		default:
			t.Errorf("connection %s received nothing", c.id)
		}
	}
}

func TestPublish_SkipsOriginConnection(t *testing.T) {
	hub := NewHub()
	origin := newTestClient(hub, 1, "origin")
	other := newTestClient(hub, 1, "other-device")
	hub.Register(origin)
	hub.Register(other)

	hub.Publish(events.MessageNew{MessageID: 1, Seq: 1}, []uint{1}, "origin")

	select {
	case msg := <-origin.send:
		t.Errorf("origin connection received its own echo: %s", msg)
	default:
	}
	select {
	case <-other.send:
	default:
		t.Error("other device received nothing")
	}
}

func TestPublish_OfflineRecipientDropped(t *testing.T) {
	hub := NewHub()
	// No connections registered at all: publish must not panic or block.
	hub.Publish(events.PresenceChanged{UserID: 5, Status: "online"}, []uint{5, 6}, "")
	if hub.Connections(5) != 0 {
		t.Errorf("Connections(5) = %d, want 0", hub.Connections(5))
	}
}

func TestPublish_SlowConnectionEvicted(t *testing.T) {
	hub := NewHub()
	slow := &Client{id: "slow", hub: hub, userID: 1, send: make(chan []byte)} // no buffer
	hub.Register(slow)

	hub.Publish(events.PresenceChanged{UserID: 2, Status: "online"}, []uint{1}, "")

	if hub.Connections(1) != 0 {
		t.Errorf("Connections(1) = %d, want 0 after eviction", hub.Connections(1))
	}
}

func TestPublish_Concurrent(t *testing.T) {
	hub := NewHub()
	const users = 10
	clients := make([]*Client, users)
	for i := 0; i < users; i++ {
		clients[i] = newTestClient(hub, uint(i+1), "c")
		hub.Register(clients[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(uid uint) {
			defer wg.Done()
			hub.Publish(events.PresenceChanged{UserID: uid, Status: "online"}, []uint{uid}, "")
		}(uint(i + 1))
	}
	wg.Wait()

	for i, c := range clients {
		select {
		case <-c.send:
		default:
			t.Errorf("client %d received nothing", i+1)
		}
	}
}
