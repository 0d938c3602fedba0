package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blockworld.io/internal/config"
	"blockworld.io/internal/protocol"
	"blockworld.io/internal/sim/engine"
	"blockworld.io/internal/sim/session"
	"blockworld.io/internal/sim/store"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Normalize()
	eng := engine.New(cfg, store.New(), session.NewRegistry(), nil)
	hub, err := NewHub(eng, cfg.Transport, nil)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func expectType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	m := recv(t, c)
	if m["type"] != typ {
		t.Fatalf("got %v want type %s", m, typ)
	}
	return m
}

func TestHub_JoinPlaceDisconnect(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dial(t, srv)
	send(t, alice, map[string]any{"type": "join", "protocol_version": protocol.Version, "username": "alice", "world": "alpha", "x": 10.0, "y": 20.0})
	snap := expectType(t, alice, protocol.TypeWorldSnapshot)
	if snap["world"] != "alpha" || len(snap["players"].([]any)) != 0 || len(snap["blocks"].([]any)) != 0 {
		t.Fatalf("unexpected first snapshot: %v", snap)
	}

	send(t, alice, map[string]any{"type": "placeBlock", "x": 70.0, "y": 40.0, "blockType": "stone"})
	placed := expectType(t, alice, protocol.TypeBlockPlaced)
	if placed["x"] != 2.0 || placed["y"] != 1.0 || placed["blockType"] != "stone" {
		t.Fatalf("unexpected blockPlaced: %v", placed)
	}

	bob := dial(t, srv)
	send(t, bob, map[string]any{"type": "join", "username": "bob", "world": "alpha"})
	snap = expectType(t, bob, protocol.TypeWorldSnapshot)
	blocks := snap["blocks"].([]any)
	players := snap["players"].([]any)
	if len(blocks) != 1 || len(players) != 1 || players[0].(map[string]any)["username"] != "alice" {
		t.Fatalf("bob's snapshot misses earlier state: %v", snap)
	}
	joined := expectType(t, alice, protocol.TypePlayerJoined)
	if joined["username"] != "bob" {
		t.Fatalf("unexpected playerJoined: %v", joined)
	}

	send(t, bob, map[string]any{"type": "move", "x": 5.5, "y": 6.5})
	moved := expectType(t, alice, protocol.TypePlayerMoved)
	if moved["username"] != "bob" || moved["x"] != 5.5 {
		t.Fatalf("unexpected playerMoved: %v", moved)
	}

	_ = bob.Close()
	left := expectType(t, alice, protocol.TypePlayerLeft)
	if left["username"] != "bob" {
		t.Fatalf("unexpected playerLeft: %v", left)
	}

	if st := hub.Stats(); st.Accepted != 2 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestHub_MalformedInputRejected(t *testing.T) {
	hub, srv := newTestServer(t)
	c := dial(t, srv)

	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := expectType(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected error: %v", e)
	}

	send(t, c, map[string]any{"type": "teleport", "ref": "r1"})
	e = expectType(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrProtoBadRequest || e["ref"] != "r1" {
		t.Fatalf("unexpected error: %v", e)
	}

	send(t, c, map[string]any{"type": "placeBlock", "x": "nope", "y": 1, "blockType": "dirt"})
	e = expectType(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected error: %v", e)
	}

	send(t, c, map[string]any{"type": "move", "protocol_version": "9.9", "x": 1, "y": 1})
	e = expectType(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected error: %v", e)
	}

	// Well-formed but not joined is an engine-level rejection.
	send(t, c, map[string]any{"type": "move", "x": 1, "y": 1})
	e = expectType(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrNotJoined {
		t.Fatalf("unexpected error: %v", e)
	}

	if st := hub.Stats(); st.BadFrames != 4 {
		t.Fatalf("bad frames=%d want 4", st.BadFrames)
	}
}

func TestHub_DeliverDropsSlowConsumer(t *testing.T) {
	cfg := config.Defaults()
	cfg.Normalize()
	eng := engine.New(cfg, store.New(), session.NewRegistry(), nil)
	hub, err := NewHub(eng, cfg.Transport, nil)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	c := &client{id: "slow", out: make(chan []byte, 1), done: make(chan struct{})}
	hub.register(c)

	msg := protocol.NewError(protocol.ErrInternal, "x", "")
	hub.Deliver([]protocol.Outbound{{To: []string{"slow", "missing"}, Msg: msg}})
	select {
	case <-c.done:
		t.Fatalf("kicked with room in queue")
	default:
	}
	hub.Deliver([]protocol.Outbound{{To: []string{"slow"}, Msg: msg}})
	select {
	case <-c.done:
	default:
		t.Fatalf("expected slow consumer to be kicked")
	}
	if st := hub.Stats(); st.SlowDrops != 1 || st.Connections != 1 {
		t.Fatalf("stats: %+v", st)
	}
}
