package main

import (
	"testing"

	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
)

func TestRollbackBlocks(t *testing.T) {
	blocks := []snapshot.BlockV1{
		{X: 0, Y: 0, Type: "glass"},
		{X: 5, Y: 0, Type: "wood"},
		{X: 50, Y: 50, Type: "stone"},
	}
	recs := []engine.AuditEntry{
		{TimeMS: 10, Action: engine.AuditPlace, X: 1, Y: 1, Block: "sand"}, // before since
		{TimeMS: 100, Action: engine.AuditJoin, Actor: "griefer"},
		{TimeMS: 110, Action: engine.AuditPlace, X: 0, Y: 0, Block: "dirt", From: "stone"},
		{TimeMS: 120, Action: engine.AuditPlace, X: 0, Y: 0, Block: "glass", From: "dirt"},
		{TimeMS: 130, Action: engine.AuditBreak, X: 2, Y: 2, From: "grass"},
		{TimeMS: 140, Action: engine.AuditPlace, X: 5, Y: 0, Block: "wood"},
		{TimeMS: 150, Action: engine.AuditPlace, X: 50, Y: 50, Block: "stone"}, // outside rect
		{TimeMS: 999, Action: engine.AuditPlace, X: 3, Y: 3, Block: "dirt"},    // after snapshot
	}

	got, n := rollbackBlocks(blocks, recs, newRect(10, 10, 0, 0), 100, 500)
	if n != 4 {
		t.Fatalf("reverted=%d want 4", n)
	}
	want := []snapshot.BlockV1{
		{X: 0, Y: 0, Type: "stone"},
		{X: 2, Y: 2, Type: "grass"},
		{X: 50, Y: 50, Type: "stone"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}
}

func TestParseRect(t *testing.T) {
	r, err := parseRect("4,-2:-1,7")
	if err != nil {
		t.Fatalf("parseRect: %v", err)
	}
	if r != (rect{minX: -1, minY: -2, maxX: 4, maxY: 7}) {
		t.Fatalf("rect=%+v", r)
	}
	for _, bad := range []string{"", "1,2", "1,2:3", "a,b:c,d"} {
		if _, err := parseRect(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
