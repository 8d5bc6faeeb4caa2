package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"zigbee-homekit/internal/coordinator"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.unregister <- client
	waitClients(t, hub, 0)

	// Unregistering an unknown client leaves its channel open.
	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)
	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	waitClients(t, hub, 2)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventPermitJoinChanged, Data: map[string]any{"permitted": true}})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var e coordinator.Event
			if err := json.Unmarshal(msg, &e); err != nil || e.Type != coordinator.EventPermitJoinChanged {
				t.Errorf("client %d got %s (%v)", i, msg, err)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(coordinator.Event{Type: "one"})
	hub.Broadcast(coordinator.Event{Type: "two"})
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Run is not started, so the queue fills.
	for i := 0; i < 256; i++ {
		hub.Broadcast(coordinator.Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(coordinator.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}

	// Unmarshalable payloads are dropped before queueing.
	hub.Broadcast(coordinator.Event{Type: "bad", Data: make(chan int)})
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed")
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) coordinator.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var e coordinator.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestWSStream(t *testing.T) {
	srv, backend, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if e := readEvent(t, ctx, conn); e.Type != EventSnapshot {
		t.Fatalf("first frame = %q, want snapshot", e.Type)
	}
	waitClients(t, srv.wsHub, 1)

	// The report fans out to the raw message and the accessory's new state.
	backend.report(testIEEE, 1)
	seen := map[string]bool{}
	for len(seen) < 2 {
		seen[readEvent(t, ctx, conn).Type] = true
	}
	if !seen[coordinator.EventMessage] || !seen[EventAccessoryState] {
		t.Errorf("events = %v", seen)
	}
}
