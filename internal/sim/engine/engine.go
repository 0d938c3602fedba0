// Package engine applies client intents to the world store and decides which
// connections hear about the result.
//
// Every handler runs its whole read-modify-broadcast sequence while holding
// the target world's lock, and hands the resulting outbound messages to the
// Sink before releasing it. Per-connection delivery order therefore matches
// the order in which the world was mutated.
package engine

import (
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"blockworld.io/internal/config"
	"blockworld.io/internal/protocol"
	"blockworld.io/internal/sim/session"
	"blockworld.io/internal/sim/store"
)

// Sink receives outbound messages. Deliver must not block; it is called with
// a world lock held.
type Sink interface {
	Deliver(out []protocol.Outbound)
}

// AuditEntry is one durable record of a state change.
type AuditEntry struct {
	TimeMS int64  `json:"ts_ms"`
	World  string `json:"world"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	X      int    `json:"x,omitempty"`
	Y      int    `json:"y,omitempty"`
	Block  string `json:"block,omitempty"`
	From   string `json:"from,omitempty"`
}

const (
	AuditJoin  = "JOIN"
	AuditLeave = "LEAVE"
	AuditPlace = "PLACE"
	AuditBreak = "BREAK"
)

// AuditLogger is called with a world lock held and must not wait on I/O.
type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type Metrics struct {
	Joins    uint64            `json:"joins"`
	Leaves   uint64            `json:"leaves"`
	Moves    uint64            `json:"moves"`
	Places   uint64            `json:"places"`
	Breaks   uint64            `json:"breaks"`
	Rejected map[string]uint64 `json:"rejected"`
}

type Engine struct {
	cfg   config.Config
	store *store.Store
	reg   *session.Registry
	log   *log.Logger

	sink  Sink
	audit AuditLogger
	now   func() time.Time

	joins, leaves, moves, places, breaks atomic.Uint64
	rejected                             map[string]*atomic.Uint64
}

var errNotJoined = errors.New("not joined")

func New(cfg config.Config, st *store.Store, reg *session.Registry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{
		cfg:      cfg,
		store:    st,
		reg:      reg,
		log:      logger,
		now:      time.Now,
		rejected: map[string]*atomic.Uint64{},
	}
	for _, code := range []string{
		protocol.ErrProtoBadRequest,
		protocol.ErrBadRequest,
		protocol.ErrDuplicateUsername,
		protocol.ErrNotJoined,
		protocol.ErrAlreadyJoined,
		protocol.ErrUnknownPlayer,
		protocol.ErrInternal,
	} {
		e.rejected[code] = &atomic.Uint64{}
	}
	return e
}

// SetSink must be called before the engine handles traffic.
func (e *Engine) SetSink(s Sink)               { e.sink = s }
func (e *Engine) SetAuditLogger(a AuditLogger) { e.audit = a }

func (e *Engine) Store() *store.Store         { return e.store }
func (e *Engine) Registry() *session.Registry { return e.reg }
func (e *Engine) TileSize() int               { return e.cfg.TileSize }

func (e *Engine) Metrics() Metrics {
	m := Metrics{
		Joins:    e.joins.Load(),
		Leaves:   e.leaves.Load(),
		Moves:    e.moves.Load(),
		Places:   e.places.Load(),
		Breaks:   e.breaks.Load(),
		Rejected: make(map[string]uint64, len(e.rejected)),
	}
	for code, n := range e.rejected {
		m.Rejected[code] = n.Load()
	}
	return m
}

func (e *Engine) deliver(out []protocol.Outbound) {
	if e.sink == nil || len(out) == 0 {
		return
	}
	e.sink.Deliver(out)
}

func (e *Engine) writeAudit(entry AuditEntry) {
	if e.audit == nil {
		return
	}
	entry.TimeMS = e.now().UnixMilli()
	if err := e.audit.WriteAudit(entry); err != nil {
		e.log.Printf("audit write (%s %s): %v", entry.World, entry.Action, err)
	}
}

// Reject reports a failed intent to its originating connection only.
func (e *Engine) Reject(conn session.ConnID, code, message, ref string) []protocol.Outbound {
	if n, ok := e.rejected[code]; ok {
		n.Add(1)
	}
	out := []protocol.Outbound{{To: []string{conn}, Msg: protocol.NewError(code, message, ref)}}
	e.deliver(out)
	return out
}

// othersLocked lists the world's joined connections minus exclude. The world
// lock must be held so membership cannot change underneath.
func (e *Engine) othersLocked(world string, exclude session.ConnID) []string {
	members := e.reg.Members(world)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.Conn == exclude {
			continue
		}
		out = append(out, m.Conn)
	}
	return out
}

func (e *Engine) allLocked(world string) []string {
	return e.othersLocked(world, "")
}

// resolveLocked re-checks the binding under the world lock; a concurrent
// disconnect may have torn it down after the optimistic Resolve.
func (e *Engine) resolveLocked(conn session.ConnID, want session.Binding) error {
	cur, err := e.reg.Resolve(conn)
	if err != nil || cur != want {
		return errNotJoined
	}
	return nil
}

func finite(v ...float64) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func validName(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	return !strings.ContainsAny(s, "\x00\n\r\t")
}

// validWorldName also keeps world names usable as a single directory name.
func validWorldName(s string, max int) bool {
	if !validName(s, max) || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\:`)
}
