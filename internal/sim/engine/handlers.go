package engine

import (
	"errors"

	"blockworld.io/internal/protocol"
	"blockworld.io/internal/sim/session"
	"blockworld.io/internal/sim/store"
)

// HandleJoin moves conn through Joining to Joined. On success the joiner gets
// the world snapshot first, then every other member hears playerJoined.
func (e *Engine) HandleJoin(conn session.ConnID, msg protocol.JoinMsg) []protocol.Outbound {
	username, world := msg.Username, msg.World
	if !validName(username, e.cfg.MaxUsernameLen) {
		return e.Reject(conn, protocol.ErrBadRequest, "invalid username", msg.Ref)
	}
	if !validWorldName(world, e.cfg.MaxWorldNameLen) {
		return e.Reject(conn, protocol.ErrBadRequest, "invalid world name", msg.Ref)
	}
	x, y := e.cfg.Spawn.X, e.cfg.Spawn.Y
	if msg.X != nil && msg.Y != nil {
		x, y = *msg.X, *msg.Y
	}
	if !finite(x, y) {
		return e.Reject(conn, protocol.ErrBadRequest, "spawn position must be finite", msg.Ref)
	}

	if err := e.reg.Begin(conn); err != nil {
		return e.Reject(conn, protocol.ErrAlreadyJoined, "connection already joined a world", msg.Ref)
	}

	var out []protocol.Outbound
	err := e.store.Do(world, func(w *store.World) error {
		if err := w.AddPlayer(username, x, y); err != nil {
			return err
		}
		if err := e.reg.Bind(conn, username, world); err != nil {
			w.RemovePlayer(username)
			return err
		}

		snap := w.Snapshot()
		msgSnap := protocol.WorldSnapshotMsg{
			Type:            protocol.TypeWorldSnapshot,
			ProtocolVersion: protocol.Version,
			World:           world,
			TileSize:        e.cfg.TileSize,
			Self:            protocol.PlayerState{Username: username, X: x, Y: y},
			Blocks:          make([]protocol.BlockState, 0, len(snap.Blocks)),
			Players:         make([]protocol.PlayerState, 0, len(snap.Players)),
		}
		for _, b := range snap.Blocks {
			msgSnap.Blocks = append(msgSnap.Blocks, protocol.BlockState{X: b.X, Y: b.Y, BlockType: b.Type})
		}
		for _, p := range snap.Players {
			if p.Username == username {
				continue
			}
			msgSnap.Players = append(msgSnap.Players, protocol.PlayerState{Username: p.Username, X: p.X, Y: p.Y})
		}
		out = append(out, protocol.Outbound{To: []string{conn}, Msg: msgSnap})

		if others := e.othersLocked(world, conn); len(others) > 0 {
			out = append(out, protocol.Outbound{To: others, Msg: protocol.PlayerJoinedMsg{
				Type:            protocol.TypePlayerJoined,
				ProtocolVersion: protocol.Version,
				Username:        username,
				X:               x,
				Y:               y,
			}})
		}
		e.deliver(out)
		e.writeAudit(AuditEntry{World: world, Actor: username, Action: AuditJoin})
		return nil
	})
	if err != nil {
		e.reg.Abort(conn)
		switch {
		case errors.Is(err, store.ErrDuplicateUsername):
			return e.Reject(conn, protocol.ErrDuplicateUsername, "username already taken in "+world, msg.Ref)
		case errors.Is(err, session.ErrUnbound):
			// The connection went away while joining; nobody is listening.
			return nil
		default:
			e.log.Printf("join %s/%s: %v", world, username, err)
			return e.Reject(conn, protocol.ErrInternal, "join failed", msg.Ref)
		}
	}
	e.joins.Add(1)
	e.log.Printf("join world=%s user=%s conn=%s", world, username, conn)
	return out
}

// HandleMove trusts the client-reported position and relays it to the rest
// of the world.
func (e *Engine) HandleMove(conn session.ConnID, msg protocol.MoveMsg) []protocol.Outbound {
	b, err := e.reg.Resolve(conn)
	if err != nil {
		return e.Reject(conn, protocol.ErrNotJoined, "join a world first", msg.Ref)
	}
	if !finite(msg.X, msg.Y) {
		return e.Reject(conn, protocol.ErrBadRequest, "position must be finite", msg.Ref)
	}

	var out []protocol.Outbound
	err = e.store.Do(b.World, func(w *store.World) error {
		if err := e.resolveLocked(conn, b); err != nil {
			return err
		}
		if err := w.UpsertPlayerPosition(b.Username, msg.X, msg.Y); err != nil {
			return err
		}
		if others := e.othersLocked(b.World, conn); len(others) > 0 {
			out = append(out, protocol.Outbound{To: others, Msg: protocol.PlayerMovedMsg{
				Type:            protocol.TypePlayerMoved,
				ProtocolVersion: protocol.Version,
				Username:        b.Username,
				X:               msg.X,
				Y:               msg.Y,
			}})
		}
		e.deliver(out)
		return nil
	})
	if err != nil {
		return e.rejectIntent(conn, b, "move", err, msg.Ref)
	}
	e.moves.Add(1)
	return out
}

// HandlePlaceBlock quantizes pixel coordinates to tiles and broadcasts the
// result to the whole world, placer included.
func (e *Engine) HandlePlaceBlock(conn session.ConnID, msg protocol.PlaceBlockMsg) []protocol.Outbound {
	b, err := e.reg.Resolve(conn)
	if err != nil {
		return e.Reject(conn, protocol.ErrNotJoined, "join a world first", msg.Ref)
	}
	if !finite(msg.X, msg.Y) {
		return e.Reject(conn, protocol.ErrBadRequest, "position must be finite", msg.Ref)
	}
	if !e.cfg.AllowsBlock(msg.BlockType) {
		return e.Reject(conn, protocol.ErrBadRequest, "unknown block type", msg.Ref)
	}
	tx := store.Quantize(msg.X, e.cfg.TileSize)
	ty := store.Quantize(msg.Y, e.cfg.TileSize)

	var out []protocol.Outbound
	err = e.store.Do(b.World, func(w *store.World) error {
		if err := e.resolveLocked(conn, b); err != nil {
			return err
		}
		prev, _ := w.Block(tx, ty)
		w.PlaceBlock(tx, ty, msg.BlockType)
		out = append(out, protocol.Outbound{To: e.allLocked(b.World), Msg: protocol.BlockPlacedMsg{
			Type:            protocol.TypeBlockPlaced,
			ProtocolVersion: protocol.Version,
			X:               tx,
			Y:               ty,
			BlockType:       msg.BlockType,
			By:              b.Username,
		}})
		e.deliver(out)
		e.writeAudit(AuditEntry{World: b.World, Actor: b.Username, Action: AuditPlace, X: tx, Y: ty, Block: msg.BlockType, From: prev})
		return nil
	})
	if err != nil {
		return e.rejectIntent(conn, b, "placeBlock", err, msg.Ref)
	}
	e.places.Add(1)
	return out
}

// HandleBreakBlock clears a tile. Breaking air is accepted and broadcasts nothing.
func (e *Engine) HandleBreakBlock(conn session.ConnID, msg protocol.BreakBlockMsg) []protocol.Outbound {
	b, err := e.reg.Resolve(conn)
	if err != nil {
		return e.Reject(conn, protocol.ErrNotJoined, "join a world first", msg.Ref)
	}
	if !finite(msg.X, msg.Y) {
		return e.Reject(conn, protocol.ErrBadRequest, "position must be finite", msg.Ref)
	}
	tx := store.Quantize(msg.X, e.cfg.TileSize)
	ty := store.Quantize(msg.Y, e.cfg.TileSize)

	var out []protocol.Outbound
	err = e.store.Do(b.World, func(w *store.World) error {
		if err := e.resolveLocked(conn, b); err != nil {
			return err
		}
		prev, ok := w.RemoveBlock(tx, ty)
		if !ok {
			return nil
		}
		out = append(out, protocol.Outbound{To: e.allLocked(b.World), Msg: protocol.BlockRemovedMsg{
			Type:            protocol.TypeBlockRemoved,
			ProtocolVersion: protocol.Version,
			X:               tx,
			Y:               ty,
			By:              b.Username,
		}})
		e.deliver(out)
		e.writeAudit(AuditEntry{World: b.World, Actor: b.Username, Action: AuditBreak, X: tx, Y: ty, From: prev})
		return nil
	})
	if err != nil {
		return e.rejectIntent(conn, b, "breakBlock", err, msg.Ref)
	}
	if len(out) > 0 {
		e.breaks.Add(1)
	}
	return out
}

// HandleDisconnect tears down whatever conn was bound to. It is safe to call
// any number of times; only the first produces a playerLeft broadcast.
func (e *Engine) HandleDisconnect(conn session.ConnID) []protocol.Outbound {
	out, _ := e.teardown(conn)
	return out
}

// HandleLeave is the explicit counterpart of a disconnect: the connection
// stays open and may join again.
func (e *Engine) HandleLeave(conn session.ConnID, msg protocol.LeaveMsg) []protocol.Outbound {
	out, ok := e.teardown(conn)
	if !ok {
		return e.Reject(conn, protocol.ErrNotJoined, "not in a world", msg.Ref)
	}
	return out
}

func (e *Engine) teardown(conn session.ConnID) ([]protocol.Outbound, bool) {
	b, err := e.reg.Resolve(conn)
	if err != nil {
		// Not joined (or mid-join): just forget the connection.
		e.reg.Unbind(conn)
		return nil, false
	}

	var (
		out  []protocol.Outbound
		left bool
	)
	_ = e.store.Do(b.World, func(w *store.World) error {
		bound, ok := e.reg.Unbind(conn)
		if !ok {
			return nil
		}
		left = true
		w.RemovePlayer(bound.Username)
		if others := e.allLocked(bound.World); len(others) > 0 {
			out = append(out, protocol.Outbound{To: others, Msg: protocol.PlayerLeftMsg{
				Type:            protocol.TypePlayerLeft,
				ProtocolVersion: protocol.Version,
				Username:        bound.Username,
			}})
		}
		e.deliver(out)
		e.writeAudit(AuditEntry{World: bound.World, Actor: bound.Username, Action: AuditLeave})
		return nil
	})
	if left {
		e.leaves.Add(1)
		e.log.Printf("leave world=%s user=%s conn=%s", b.World, b.Username, conn)
	}
	return out, left
}

func (e *Engine) rejectIntent(conn session.ConnID, b session.Binding, op string, err error, ref string) []protocol.Outbound {
	switch {
	case errors.Is(err, errNotJoined):
		return e.Reject(conn, protocol.ErrNotJoined, "join a world first", ref)
	case errors.Is(err, store.ErrUnknownPlayer):
		// The registry says joined but the world has no such player.
		e.log.Printf("invariant violated: %s by %s in %s: %v", op, b.Username, b.World, err)
		return e.Reject(conn, protocol.ErrUnknownPlayer, "player missing from world", ref)
	default:
		e.log.Printf("%s by %s in %s: %v", op, b.Username, b.World, err)
		return e.Reject(conn, protocol.ErrInternal, op+" failed", ref)
	}
}
