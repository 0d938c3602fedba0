package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	persistlog "blockworld.io/internal/persistence/log"
	"blockworld.io/internal/persistence/snapshot"
)

func main() {
	var (
		snapPath = flag.String("snapshot", "", "path to .snap.zst (optional)")
		auditDir = flag.String("audit", "", "audit dir containing audit-*.jsonl.zst (optional)")
		dataDir  = flag.String("data", "", "data dir; with -world, picks the latest snapshot and the audit dir")
		world    = flag.String("world", "", "world name (used with -data)")
	)
	flag.Parse()

	if *dataDir != "" && *world != "" {
		worldDir, err := persistlog.WorldDir(*dataDir, *world)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -world:", err)
			os.Exit(2)
		}
		if *snapPath == "" {
			*snapPath = snapshot.Latest(worldDir)
		}
		if *auditDir == "" {
			*auditDir = filepath.Join(worldDir, "audit")
		}
	}
	if *snapPath == "" && *auditDir == "" {
		fmt.Fprintln(os.Stderr, "need -snapshot and/or -audit (or -data with -world)")
		os.Exit(2)
	}

	rp := newReplayer()
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if err := rp.loadSnapshot(snap); err != nil {
			fmt.Fprintln(os.Stderr, "load snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d world=%s seq=%d created_at=%s tile_size=%d blocks=%d\n",
			snap.Header.Version, snap.Header.World, snap.Header.Seq, snap.Header.CreatedAt, snap.TileSize, len(snap.Blocks))
	}

	if *auditDir != "" {
		files, err := persistlog.ListAuditFiles(*auditDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list audit:", err)
			os.Exit(1)
		}
		for _, path := range files {
			if err := persistlog.ReadAuditFile(path, rp.apply); err != nil {
				fmt.Fprintln(os.Stderr, "replay:", err)
				os.Exit(1)
			}
		}
		fmt.Printf("replayed files=%d applied=%d skipped=%d\n", len(files), rp.applied, rp.skipped)
	}

	for _, s := range rp.store.Stats() {
		fmt.Printf("world=%s blocks=%d\n", s.Name, s.Blocks)
	}
}

// parseCreatedAt returns the snapshot time in unix millis, or 0 if unknown.
func parseCreatedAt(s string) int64 {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
