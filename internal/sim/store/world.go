package store

import (
	"fmt"
	"sort"
)

// The methods below assume the caller holds the world lock (see Store.Do).

func (w *World) Name() string { return w.name }

func (w *World) Snapshot() Snapshot {
	snap := Snapshot{
		World:   w.name,
		Blocks:  make([]Block, 0, len(w.blocks)),
		Players: make([]Player, 0, len(w.players)),
	}
	for pos, t := range w.blocks {
		snap.Blocks = append(snap.Blocks, Block{X: pos.X, Y: pos.Y, Type: t})
	}
	sort.Slice(snap.Blocks, func(i, j int) bool {
		if snap.Blocks[i].Y != snap.Blocks[j].Y {
			return snap.Blocks[i].Y < snap.Blocks[j].Y
		}
		return snap.Blocks[i].X < snap.Blocks[j].X
	})
	for _, p := range w.players {
		snap.Players = append(snap.Players, *p)
	}
	sort.Slice(snap.Players, func(i, j int) bool { return snap.Players[i].Username < snap.Players[j].Username })
	return snap
}

// PlaceBlock writes blockType at the tile. Last write wins.
func (w *World) PlaceBlock(x, y int, blockType string) {
	w.blocks[Vec2i{X: x, Y: y}] = blockType
}

// RemoveBlock clears the tile back to air and returns what was there.
func (w *World) RemoveBlock(x, y int) (string, bool) {
	pos := Vec2i{X: x, Y: y}
	t, ok := w.blocks[pos]
	if ok {
		delete(w.blocks, pos)
	}
	return t, ok
}

func (w *World) Block(x, y int) (string, bool) {
	t, ok := w.blocks[Vec2i{X: x, Y: y}]
	return t, ok
}

func (w *World) BlockCount() int { return len(w.blocks) }

func (w *World) AddPlayer(username string, x, y float64) error {
	if _, ok := w.players[username]; ok {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateUsername, username, w.name)
	}
	w.players[username] = &Player{Username: username, X: x, Y: y, World: w.name}
	return nil
}

func (w *World) UpsertPlayerPosition(username string, x, y float64) error {
	p, ok := w.players[username]
	if !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownPlayer, username, w.name)
	}
	p.X, p.Y = x, y
	return nil
}

// RemovePlayer is idempotent; it reports whether a player was removed.
func (w *World) RemovePlayer(username string) bool {
	if _, ok := w.players[username]; !ok {
		return false
	}
	delete(w.players, username)
	return true
}

func (w *World) Player(username string) (Player, bool) {
	p, ok := w.players[username]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (w *World) PlayerCount() int { return len(w.players) }
