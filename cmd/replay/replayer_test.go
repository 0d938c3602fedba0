package main

import (
	"path/filepath"
	"testing"
	"time"

	persistlog "blockworld.io/internal/persistence/log"
	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
	"blockworld.io/internal/sim/store"
)

func TestReplayer_SnapshotPlusAudit(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	st := store.New()
	st.PlaceBlock("alpha", 0, 0, "stone")
	st.PlaceBlock("alpha", 1, 0, "dirt")
	snap := snapshot.FromStore(st.Snapshot("alpha"), 32, 1, base)

	dir := t.TempDir()
	w := persistlog.NewJSONLZstdWriter(dir, "audit")
	entries := []engine.AuditEntry{
		// Already reflected in the snapshot.
		{TimeMS: base.Add(-time.Second).UnixMilli(), World: "alpha", Actor: "a", Action: engine.AuditPlace, X: 1, Y: 0, Block: "dirt"},
		{TimeMS: base.Add(time.Second).UnixMilli(), World: "alpha", Actor: "a", Action: engine.AuditJoin},
		{TimeMS: base.Add(2 * time.Second).UnixMilli(), World: "alpha", Actor: "a", Action: engine.AuditBreak, X: 0, Y: 0, From: "stone"},
		{TimeMS: base.Add(3 * time.Second).UnixMilli(), World: "alpha", Actor: "a", Action: engine.AuditPlace, X: 5, Y: -2, Block: "wood"},
		{TimeMS: base.Add(4 * time.Second).UnixMilli(), World: "alpha", Actor: "a", Action: engine.AuditPlace, X: 1, Y: 0, Block: "glass", From: "dirt"},
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rp := newReplayer()
	if err := rp.loadSnapshot(snap); err != nil {
		t.Fatalf("loadSnapshot: %v", err)
	}
	files, err := persistlog.ListAuditFiles(dir)
	if err != nil || len(files) == 0 {
		t.Fatalf("list: %v %v", files, err)
	}
	for _, f := range files {
		if err := persistlog.ReadAuditFile(filepath.Clean(f), rp.apply); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if rp.applied != 3 || rp.skipped != 2 {
		t.Fatalf("applied=%d skipped=%d", rp.applied, rp.skipped)
	}
	got := rp.store.Snapshot("alpha").Blocks
	want := []store.Block{{X: 5, Y: -2, Type: "wood"}, {X: 1, Y: 0, Type: "glass"}}
	if len(got) != len(want) {
		t.Fatalf("blocks=%+v want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("blocks=%+v want %+v", got, want)
		}
	}
}

func TestReplayer_RejectsPlaceWithoutBlock(t *testing.T) {
	rp := newReplayer()
	if err := rp.apply(engine.AuditEntry{TimeMS: 1, World: "w", Action: engine.AuditPlace}); err == nil {
		t.Fatalf("expected error")
	}
}
