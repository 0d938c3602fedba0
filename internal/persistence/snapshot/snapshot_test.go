package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockworld.io/internal/sim/store"
)

func TestWriteReadSnapshot_RoundTrip(t *testing.T) {
	worldDir := t.TempDir()
	st := store.New()
	st.PlaceBlock("alpha", 10, 10, "stone")
	st.PlaceBlock("alpha", -3, 7, "dirt")
	_ = st.AddPlayer("alpha", "alice", 1, 1)

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	snap := FromStore(st.Snapshot("alpha"), 32, 42, now)
	if len(snap.Blocks) != 2 || snap.Header.World != "alpha" || snap.Header.Version != Version {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	path := PathFor(worldDir, 42)
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header != snap.Header || got.TileSize != 32 || len(got.Blocks) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	restored := store.New()
	restored.Restore("alpha", got.StoreBlocks())
	rs := restored.Snapshot("alpha")
	if len(rs.Blocks) != 2 || rs.Blocks[1] != (store.Block{X: 10, Y: 10, Type: "stone"}) {
		t.Fatalf("restored blocks: %+v", rs.Blocks)
	}
	if len(rs.Players) != 0 {
		t.Fatalf("players must not be persisted")
	}
}

func TestLatestAndPrune(t *testing.T) {
	worldDir := t.TempDir()
	if Latest(worldDir) != "" {
		t.Fatalf("empty dir should have no latest")
	}
	for _, seq := range []uint64{5, 100, 20, 7} {
		snap := SnapshotV1{Header: Header{Version: Version, World: "w", Seq: seq}}
		if err := WriteSnapshot(PathFor(worldDir, seq), snap); err != nil {
			t.Fatalf("write %d: %v", seq, err)
		}
	}
	_ = os.WriteFile(filepath.Join(Dir(worldDir), "junk.snap.zst"), []byte("x"), 0o644)

	if got := Latest(worldDir); got != PathFor(worldDir, 100) {
		t.Fatalf("latest: %s", got)
	}

	if err := Prune(worldDir, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	for seq, want := range map[uint64]bool{100: true, 20: true, 7: false, 5: false} {
		_, err := os.Stat(PathFor(worldDir, seq))
		if exists := err == nil; exists != want {
			t.Fatalf("seq %d exists=%v want %v", seq, exists, want)
		}
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "1.snap.zst")
	if err := os.WriteFile(p, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(p); err == nil {
		t.Fatalf("expected error for garbage snapshot")
	}
}
