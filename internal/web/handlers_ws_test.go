package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"linak-desk/internal/desk"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func newTestClient(buf int, types map[string]bool) *wsClient {
	return &wsClient{send: make(chan []byte, buf), types: types}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func positionEvent(cm float64) desk.Event {
	return desk.Event{Type: desk.EventPositionChanged, Data: map[string]interface{}{"height_cm": cm}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)
	client := newTestClient(16, nil)

	hub.register <- client
	waitFor(t, "register", func() bool { return hub.Clients() == 1 })

	hub.unregister <- client
	waitFor(t, "unregister", func() bool { return hub.Clients() == 0 })

	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub(t)
	c1 := newTestClient(16, nil)
	c2 := newTestClient(16, nil)
	hub.register <- c1
	hub.register <- c2
	waitFor(t, "clients", func() bool { return hub.Clients() == 2 })

	hub.Broadcast(positionEvent(72.5))

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var ev desk.Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("client %d message %q: %v", i, msg, err)
			}
			if ev.Type != desk.EventPositionChanged || ev.Data["height_cm"] != 72.5 {
				t.Errorf("client %d received %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubFiltersByType(t *testing.T) {
	hub := newTestHub(t)
	moves := newTestClient(16, map[string]bool{desk.EventMoveState: true})
	all := newTestClient(16, nil)
	hub.register <- moves
	hub.register <- all
	waitFor(t, "clients", func() bool { return hub.Clients() == 2 })

	hub.Broadcast(positionEvent(80))
	hub.Broadcast(desk.Event{Type: desk.EventMoveState, Data: map[string]interface{}{"state": "moving"}})
	waitFor(t, "delivery", func() bool { return len(all.send) == 2 && len(moves.send) == 1 })

	if n := len(moves.send); n != 1 {
		t.Fatalf("filtered client got %d messages, want 1", n)
	}
	var ev desk.Event
	if err := json.Unmarshal(<-moves.send, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != desk.EventMoveState {
		t.Errorf("filtered client got %q", ev.Type)
	}
}

func TestParseEventTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]bool
	}{
		{"", nil},
		{" , ", nil},
		{"move_state", map[string]bool{"move_state": true}},
		{"move_state, position_changed", map[string]bool{"move_state": true, "position_changed": true}},
	}
	for _, tt := range tests {
		got := parseEventTypes(tt.raw)
		if len(got) != len(tt.want) || (got == nil) != (tt.want == nil) {
			t.Errorf("parseEventTypes(%q) = %v, want %v", tt.raw, got, tt.want)
			continue
		}
		for k := range tt.want {
			if !got[k] {
				t.Errorf("parseEventTypes(%q) missing %q", tt.raw, k)
			}
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)
	slow := newTestClient(1, nil)
	fast := newTestClient(64, nil)
	hub.register <- slow
	hub.register <- fast
	waitFor(t, "clients", func() bool { return hub.Clients() == 2 })

	// The first event fills the slow client's buffer; the second evicts it.
	hub.Broadcast(positionEvent(70))
	hub.Broadcast(positionEvent(71))
	waitFor(t, "eviction", func() bool { return len(fast.send) == 2 && hub.Clients() == 1 })

	if _, ok := hub.clients.Load(slow); ok {
		t.Error("slow client should have been evicted")
	}
	if _, ok := hub.clients.Load(fast); !ok {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	// Not running, so nothing drains the queue.
	hub := NewWSHub(testLogger())
	for i := 0; i < wsBroadcastQueue; i++ {
		hub.Broadcast(positionEvent(float64(i)))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(positionEvent(-1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when the queue is full")
	}
	if n := len(hub.events); n != wsBroadcastQueue {
		t.Errorf("queue length = %d, want %d", n, wsBroadcastQueue)
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	client := newTestClient(16, nil)
	hub.register <- client
	waitFor(t, "register", func() bool { return hub.Clients() == 1 })

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed after hub stop")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub(t)
	unknown := newTestClient(16, nil)
	hub.unregister <- unknown
	// A registered client proves the hub has processed the unregister.
	hub.register <- newTestClient(1, nil)
	waitFor(t, "register", func() bool { return hub.Clients() == 1 })

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for a client that never registered")
	}
}

func TestWSStreamsSnapshotAndEvents(t *testing.T) {
	srv, d := setupTestServer(t, WithAPIKey("secret"))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]interface{} {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	if msg := read(); msg["type"] != "snapshot" {
		t.Fatalf("first message = %v, want snapshot", msg)
	}

	// Registration is asynchronous; wait for the hub to see the client.
	deadline := time.Now().Add(2 * time.Second)
	for srv.wsHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.events.Emit(desk.Event{Type: desk.EventSpeedChanged, Data: map[string]interface{}{"speed": 0}})

	msg := read()
	if msg["type"] != desk.EventSpeedChanged {
		t.Errorf("event = %v", msg)
	}
}

func TestWSRequiresToken(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Error("dial without token succeeded")
	}
}

func TestWSTypeFilterOverSocket(t *testing.T) {
	srv, d := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws?types=" + desk.EventMoveState
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err != nil { // snapshot
		t.Fatal(err)
	}
	waitFor(t, "ws client", func() bool { return srv.wsHub.Clients() == 1 })

	d.events.Emit(positionEvent(90))
	d.events.Emit(desk.Event{Type: desk.EventMoveState, Data: map[string]interface{}{"state": "stopped"}})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev desk.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != desk.EventMoveState || ev.Data["state"] != "stopped" {
		t.Errorf("first streamed event = %+v, want move_state stopped", ev)
	}
}
