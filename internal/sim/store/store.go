// Package store is the authoritative in-memory state of every named world:
// its sparse block grid and its connected player set.
//
// Each World carries its own mutex. Mutations of one world are serialized
// through Store.Do; different worlds never contend with each other.
package store

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrDuplicateUsername = errors.New("username already present in world")
	ErrUnknownPlayer     = errors.New("player not in world")
)

type Vec2i struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Block struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Type string `json:"type"`
}

type Player struct {
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	// World is the name of the world the player is in, not a pointer to it.
	World string `json:"world"`
}

// Snapshot is a point-in-time deep copy of one world.
type Snapshot struct {
	World   string   `json:"world"`
	Blocks  []Block  `json:"blocks"`
	Players []Player `json:"players"`
}

type WorldStats struct {
	Name    string `json:"name"`
	Blocks  int    `json:"blocks"`
	Players int    `json:"players"`
}

type World struct {
	mu sync.Mutex

	name    string
	blocks  map[Vec2i]string
	players map[string]*Player
}

type Store struct {
	mu     sync.RWMutex
	worlds map[string]*World
}

func New() *Store {
	return &Store{worlds: map[string]*World{}}
}

func newWorld(name string) *World {
	return &World{
		name:    name,
		blocks:  map[Vec2i]string{},
		players: map[string]*Player{},
	}
}

// GetOrCreate returns the named world, creating an empty one on first use.
func (s *Store) GetOrCreate(name string) *World {
	s.mu.RLock()
	w := s.worlds[name]
	s.mu.RUnlock()
	if w != nil {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.worlds[name]; w == nil {
		w = newWorld(name)
		s.worlds[name] = w
	}
	return w
}

// Lookup returns the named world without creating it.
func (s *Store) Lookup(name string) (*World, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[name]
	return w, ok
}

// Do runs fn with the named world locked, creating the world if needed.
// fn must not call back into Do for the same world.
func (s *Store) Do(name string, fn func(w *World) error) error {
	w := s.GetOrCreate(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w)
}

// doExisting is Do for worlds that already exist; it reports false and skips
// fn when the world is unknown.
func (s *Store) doExisting(name string, fn func(w *World) error) (bool, error) {
	w, ok := s.Lookup(name)
	if !ok {
		return false, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return true, fn(w)
}

func (s *Store) Worlds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.worlds))
	for name := range s.worlds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Stats() []WorldStats {
	names := s.Worlds()
	out := make([]WorldStats, 0, len(names))
	for _, name := range names {
		_, _ = s.doExisting(name, func(w *World) error {
			out = append(out, WorldStats{Name: name, Blocks: len(w.blocks), Players: len(w.players)})
			return nil
		})
	}
	return out
}

// Snapshot of an unknown world is empty and does not create it.
func (s *Store) Snapshot(name string) Snapshot {
	snap := Snapshot{World: name, Blocks: []Block{}, Players: []Player{}}
	_, _ = s.doExisting(name, func(w *World) error {
		snap = w.Snapshot()
		return nil
	})
	return snap
}

func (s *Store) PlaceBlock(name string, x, y int, blockType string) {
	_ = s.Do(name, func(w *World) error {
		w.PlaceBlock(x, y, blockType)
		return nil
	})
}

func (s *Store) AddPlayer(name, username string, x, y float64) error {
	return s.Do(name, func(w *World) error {
		return w.AddPlayer(username, x, y)
	})
}

func (s *Store) UpsertPlayerPosition(name, username string, x, y float64) error {
	ok, err := s.doExisting(name, func(w *World) error {
		return w.UpsertPlayerPosition(username, x, y)
	})
	if !ok {
		return ErrUnknownPlayer
	}
	return err
}

func (s *Store) RemovePlayer(name, username string) bool {
	var removed bool
	_, _ = s.doExisting(name, func(w *World) error {
		removed = w.RemovePlayer(username)
		return nil
	})
	return removed
}

// Restore replaces the block grid of a world, typically from a persisted
// snapshot at startup. Players are untouched.
func (s *Store) Restore(name string, blocks []Block) {
	_ = s.Do(name, func(w *World) error {
		w.blocks = make(map[Vec2i]string, len(blocks))
		for _, b := range blocks {
			if b.Type == "" {
				continue
			}
			w.blocks[Vec2i{X: b.X, Y: b.Y}] = b.Type
		}
		return nil
	})
}
