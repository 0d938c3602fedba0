package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestGetOrCreate_Idempotent(t *testing.T) {
	s := New()
	a := s.GetOrCreate("alpha")
	b := s.GetOrCreate("alpha")
	if a != b {
		t.Fatalf("expected same world instance")
	}
	if _, ok := s.Lookup("beta"); ok {
		t.Fatalf("lookup must not create")
	}
	if got := s.Worlds(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("worlds: %v", got)
	}
}

func TestPlaceBlock_LastWriteWins(t *testing.T) {
	s := New()
	types := []string{"dirt", "stone", "wood", "stone", "glass"}
	for _, typ := range types {
		s.PlaceBlock("alpha", 3, -2, typ)
	}
	snap := s.Snapshot("alpha")
	if len(snap.Blocks) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(snap.Blocks))
	}
	if got := snap.Blocks[0]; got.X != 3 || got.Y != -2 || got.Type != "glass" {
		t.Fatalf("unexpected block %+v", got)
	}
}

func TestSnapshot_SparseAndSorted(t *testing.T) {
	s := New()
	s.PlaceBlock("alpha", 5, 1, "a")
	s.PlaceBlock("alpha", 0, 1, "b")
	s.PlaceBlock("alpha", 9, 0, "c")
	if err := s.AddPlayer("alpha", "zed", 1, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddPlayer("alpha", "amy", 3, 4); err != nil {
		t.Fatalf("add: %v", err)
	}

	snap := s.Snapshot("alpha")
	if snap.World != "alpha" {
		t.Fatalf("world: %q", snap.World)
	}
	want := []Block{{9, 0, "c"}, {0, 1, "b"}, {5, 1, "a"}}
	if len(snap.Blocks) != len(want) {
		t.Fatalf("blocks: %+v", snap.Blocks)
	}
	for i := range want {
		if snap.Blocks[i] != want[i] {
			t.Fatalf("block %d: got %+v want %+v", i, snap.Blocks[i], want[i])
		}
	}
	if snap.Players[0].Username != "amy" || snap.Players[1].Username != "zed" {
		t.Fatalf("players not sorted: %+v", snap.Players)
	}
	if snap.Players[0].World != "alpha" {
		t.Fatalf("player world ref: %+v", snap.Players[0])
	}

	// Mutating the copy must not leak into the store.
	snap.Blocks[0].Type = "mutated"
	snap.Players[0].X = 999
	again := s.Snapshot("alpha")
	if again.Blocks[0].Type != "c" || again.Players[0].X != 3 {
		t.Fatalf("snapshot is not a deep copy")
	}
}

func TestAddPlayer_DuplicateDoesNotMutate(t *testing.T) {
	s := New()
	if err := s.AddPlayer("alpha", "alice", 100, 100); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := s.AddPlayer("alpha", "alice", 5, 5)
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	snap := s.Snapshot("alpha")
	if len(snap.Players) != 1 || snap.Players[0].X != 100 {
		t.Fatalf("player set mutated: %+v", snap.Players)
	}

	// Same username in another world is fine.
	if err := s.AddPlayer("beta", "alice", 0, 0); err != nil {
		t.Fatalf("add in other world: %v", err)
	}
}

func TestUpsertPlayerPosition(t *testing.T) {
	s := New()
	if err := s.UpsertPlayerPosition("alpha", "ghost", 1, 1); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
	_ = s.AddPlayer("alpha", "alice", 0, 0)
	if err := s.UpsertPlayerPosition("alpha", "alice", 12.5, -4); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	w := s.GetOrCreate("alpha")
	var p Player
	_ = s.Do("alpha", func(w *World) error {
		p, _ = w.Player("alice")
		return nil
	})
	if p.X != 12.5 || p.Y != -4 {
		t.Fatalf("position not updated: %+v", p)
	}
	if w.Name() != "alpha" {
		t.Fatalf("name: %q", w.Name())
	}
}

func TestRemovePlayer_Idempotent(t *testing.T) {
	s := New()
	_ = s.AddPlayer("alpha", "alice", 0, 0)
	if !s.RemovePlayer("alpha", "alice") {
		t.Fatalf("first remove should report true")
	}
	if s.RemovePlayer("alpha", "alice") {
		t.Fatalf("second remove should report false")
	}
	if s.RemovePlayer("nowhere", "nobody") {
		t.Fatalf("remove from empty world should report false")
	}
	if _, ok := s.Lookup("nowhere"); ok {
		t.Fatalf("remove must not create the world")
	}
}

func TestReadsDoNotCreateWorlds(t *testing.T) {
	s := New()
	snap := s.Snapshot("ghost")
	if snap.World != "ghost" || len(snap.Blocks) != 0 || len(snap.Players) != 0 {
		t.Fatalf("snapshot of unknown world: %+v", snap)
	}
	if err := s.UpsertPlayerPosition("ghost", "alice", 1, 1); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
	if got := s.Worlds(); len(got) != 0 {
		t.Fatalf("worlds created by reads: %v", got)
	}
	if got := s.Stats(); len(got) != 0 {
		t.Fatalf("stats: %+v", got)
	}
}

func TestRemoveBlock(t *testing.T) {
	s := New()
	s.PlaceBlock("alpha", 1, 1, "stone")
	_ = s.Do("alpha", func(w *World) error {
		if typ, ok := w.RemoveBlock(1, 1); !ok || typ != "stone" {
			t.Fatalf("remove: %q %v", typ, ok)
		}
		if _, ok := w.RemoveBlock(1, 1); ok {
			t.Fatalf("second remove should miss")
		}
		if w.BlockCount() != 0 {
			t.Fatalf("expected empty grid")
		}
		return nil
	})
}

func TestRestore_ReplacesBlocks(t *testing.T) {
	s := New()
	s.PlaceBlock("alpha", 0, 0, "dirt")
	_ = s.AddPlayer("alpha", "alice", 0, 0)
	s.Restore("alpha", []Block{{X: 1, Y: 2, Type: "stone"}, {X: 3, Y: 4, Type: ""}})
	snap := s.Snapshot("alpha")
	if len(snap.Blocks) != 1 || snap.Blocks[0] != (Block{X: 1, Y: 2, Type: "stone"}) {
		t.Fatalf("restore: %+v", snap.Blocks)
	}
	if len(snap.Players) != 1 {
		t.Fatalf("restore must not touch players")
	}
}

func TestStats(t *testing.T) {
	s := New()
	s.PlaceBlock("b", 0, 0, "x")
	s.PlaceBlock("b", 1, 0, "x")
	_ = s.AddPlayer("a", "p", 0, 0)
	st := s.Stats()
	if len(st) != 2 || st[0] != (WorldStats{Name: "a", Players: 1}) || st[1] != (WorldStats{Name: "b", Blocks: 2}) {
		t.Fatalf("stats: %+v", st)
	}
}

func TestQuantize(t *testing.T) {
	cases := []struct {
		px   float64
		tile int
		want int
	}{
		{320, 32, 10},
		{0, 32, 0},
		{31.9, 32, 0},
		{32, 32, 1},
		{-1, 32, -1},
		{-32, 32, -1},
		{-33, 32, -2},
		{7, 0, 7},
	}
	for _, c := range cases {
		if got := Quantize(c.px, c.tile); got != c.want {
			t.Fatalf("Quantize(%v,%d)=%d want %d", c.px, c.tile, got, c.want)
		}
	}
}

func TestDo_SerializesPerWorld(t *testing.T) {
	s := New()
	const writers = 16
	const perWriter = 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = s.Do("alpha", func(w *World) error {
					// read-modify-write: a counter kept in block (0,0)
					cur, _ := w.Block(0, 0)
					w.PlaceBlock(0, 0, cur+"x")
					return nil
				})
				s.PlaceBlock(fmt.Sprintf("w%d", i), j, 0, "stone")
			}
		}(i)
	}
	wg.Wait()
	var n int
	_ = s.Do("alpha", func(w *World) error {
		v, _ := w.Block(0, 0)
		n = len(v)
		return nil
	})
	if n != writers*perWriter {
		t.Fatalf("lost updates: got %d want %d", n, writers*perWriter)
	}
	if len(s.Worlds()) != writers+1 {
		t.Fatalf("expected %d worlds, got %d", writers+1, len(s.Worlds()))
	}
}
