// Package ws carries the protocol over WebSocket connections and implements
// engine.Sink so the engine can address connections by ConnID.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blockworld.io/internal/config"
	"blockworld.io/internal/protocol"
	"blockworld.io/internal/sim/engine"
)

type Hub struct {
	eng       *engine.Engine
	cfg       config.TransportSpec
	log       *log.Logger
	validator *protocol.Validator

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*client

	accepted   atomic.Uint64
	slowDrops  atomic.Uint64
	badFrames  atomic.Uint64
	sentFrames atomic.Uint64
}

type client struct {
	id  string
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) kick() {
	c.closeOnce.Do(func() { close(c.done) })
}

type Stats struct {
	Connections  int    `json:"connections"`
	Accepted     uint64 `json:"accepted_total"`
	SlowDrops    uint64 `json:"slow_consumer_drops_total"`
	BadFrames    uint64 `json:"bad_frames_total"`
	SentMessages uint64 `json:"sent_messages_total"`
}

// NewHub wires itself as the engine's sink.
func NewHub(eng *engine.Engine, cfg config.TransportSpec, logger *log.Logger) (*Hub, error) {
	v, err := protocol.DefaultValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Hub{
		eng:       eng,
		cfg:       cfg,
		log:       logger,
		validator: v,
		conns:     map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
	if cfg.AllowAnyOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true } // dev default
	}
	eng.SetSink(h)
	return h, nil
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return Stats{
		Connections:  n,
		Accepted:     h.accepted.Load(),
		SlowDrops:    h.slowDrops.Load(),
		BadFrames:    h.badFrames.Load(),
		SentMessages: h.sentFrames.Load(),
	}
}

// Deliver enqueues each message for its recipients. It never blocks: a
// recipient whose queue is full is disconnected.
func (h *Hub) Deliver(out []protocol.Outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range out {
		b, err := json.Marshal(o.Msg)
		if err != nil {
			h.log.Printf("encode outbound: %v", err)
			continue
		}
		for _, id := range o.To {
			c := h.conns[id]
			if c == nil {
				continue
			}
			select {
			case <-c.done:
			case c.out <- b:
			default:
				h.slowDrops.Add(1)
				h.log.Printf("conn=%s outbound queue full; dropping connection", id)
				c.kick()
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{
			id:   uuid.NewString(),
			out:  make(chan []byte, h.cfg.MaxQueue),
			done: make(chan struct{}),
		}
		h.register(c)
		h.accepted.Add(1)

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			h.writeLoop(conn, c)
		}()

		h.readLoop(conn, c)

		// Teardown runs before unregistering so nothing addressed to this
		// connection can race a fresh registration with the same ID.
		h.eng.HandleDisconnect(c.id)
		h.unregister(c.id)
		c.kick()
		<-writerDone
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client) {
	writeTimeout := time.Duration(h.cfg.WriteTimeoutSec) * time.Second
	ping := time.NewTicker(time.Duration(h.cfg.PingEverySec) * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			// Unblocks the reader.
			_ = conn.Close()
			return
		case b := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.kick()
				_ = conn.Close()
				return
			}
			h.sentFrames.Add(1)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.kick()
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	readTimeout := time.Duration(h.cfg.ReadTimeoutSec) * time.Second
	conn.SetReadLimit(int64(h.cfg.MaxMessageBytes))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			h.badFrame(c.id, "", "expected a text frame")
			continue
		}
		h.dispatch(c.id, msg)
	}
}

func (h *Hub) badFrame(id, ref, why string) {
	h.badFrames.Add(1)
	h.eng.Reject(id, protocol.ErrProtoBadRequest, why, ref)
}

// dispatch validates one frame and hands it to the matching engine handler.
// The engine delivers replies and broadcasts through Deliver.
func (h *Hub) dispatch(id string, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		h.badFrame(id, "", "malformed JSON")
		return
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		h.badFrame(id, base.Ref, "unsupported protocol_version "+base.ProtocolVersion)
		return
	}
	if err := h.validator.Validate(base.Type, msg); err != nil {
		h.badFrame(id, base.Ref, err.Error())
		return
	}

	switch base.Type {
	case protocol.TypeJoin:
		var m protocol.JoinMsg
		if decode(msg, &m) {
			h.eng.HandleJoin(id, m)
			return
		}
	case protocol.TypeMove:
		var m protocol.MoveMsg
		if decode(msg, &m) {
			h.eng.HandleMove(id, m)
			return
		}
	case protocol.TypePlaceBlock:
		var m protocol.PlaceBlockMsg
		if decode(msg, &m) {
			h.eng.HandlePlaceBlock(id, m)
			return
		}
	case protocol.TypeBreakBlock:
		var m protocol.BreakBlockMsg
		if decode(msg, &m) {
			h.eng.HandleBreakBlock(id, m)
			return
		}
	case protocol.TypeLeave:
		var m protocol.LeaveMsg
		if decode(msg, &m) {
			h.eng.HandleLeave(id, m)
			return
		}
	}
	h.badFrame(id, base.Ref, "cannot decode "+base.Type)
}

func decode(b []byte, v any) bool {
	return json.Unmarshal(b, v) == nil
}
