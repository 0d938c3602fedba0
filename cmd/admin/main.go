package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	persistlog "blockworld.io/internal/persistence/log"
	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	world := fs.String("world", "", "world name (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *world != "" {
		base = filepath.Join(base, *world)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// rollbackCmd reverts block changes inside a rectangle made at or after
// -since_ms and writes the result as the world's next snapshot. Run it with
// the server stopped; the server picks the new snapshot up on start.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	world := fs.String("world", "", "world name")
	snapPath := fs.String("snapshot", "", "snapshot to roll back from (optional; defaults to latest)")
	rectArg := fs.String("rect", "", "tile rectangle x1,y1:x2,y2 (required)")
	sinceMS := fs.Int64("since_ms", 0, "revert changes at or after this unix ms (required)")
	outPath := fs.String("out", "", "output snapshot path (optional; defaults to the next seq)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*world) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	r, err := parseRect(*rectArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -rect:", err)
		os.Exit(2)
	}
	if *sinceMS <= 0 {
		fmt.Fprintln(os.Stderr, "missing -since_ms")
		os.Exit(2)
	}

	worldDir, err := persistlog.WorldDir(*dataDir, *world)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -world:", err)
		os.Exit(2)
	}
	path := strings.TrimSpace(*snapPath)
	if path == "" {
		path = snapshot.Latest(worldDir)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run the server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	var recs []engine.AuditEntry
	files, err := persistlog.ListAuditFiles(filepath.Join(worldDir, "audit"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list audit:", err)
		os.Exit(1)
	}
	for _, f := range files {
		if err := persistlog.ReadAuditFile(f, func(e engine.AuditEntry) error {
			recs = append(recs, e)
			return nil
		}); err != nil {
			fmt.Fprintln(os.Stderr, "read audit:", err)
			os.Exit(1)
		}
	}

	untilMS := int64(0)
	if t, err := time.Parse(time.RFC3339Nano, snap.Header.CreatedAt); err == nil {
		untilMS = t.UnixMilli()
	}
	blocks, reverted := rollbackBlocks(snap.Blocks, recs, r, *sinceMS, untilMS)
	if reverted == 0 {
		fmt.Println("no matching audit entries; nothing to roll back")
		return
	}

	out := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			World:     snap.Header.World,
			Seq:       snap.Header.Seq + 1,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
		TileSize: snap.TileSize,
		Blocks:   blocks,
	}
	dst := strings.TrimSpace(*outPath)
	if dst == "" {
		dst = snapshot.PathFor(worldDir, out.Header.Seq)
	}
	if err := snapshot.WriteSnapshot(dst, out); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("rolled back %d changes; wrote %s (blocks=%d)\n", reverted, dst, len(blocks))
}

func parseRect(s string) (rect, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return rect{}, fmt.Errorf("want x1,y1:x2,y2")
	}
	a, err := parsePoint(parts[0])
	if err != nil {
		return rect{}, err
	}
	b, err := parsePoint(parts[1])
	if err != nil {
		return rect{}, err
	}
	return newRect(a[0], a[1], b[0], b[1]), nil
}

func parsePoint(s string) ([2]int, error) {
	var out [2]int
	xy := strings.Split(s, ",")
	if len(xy) != 2 {
		return out, fmt.Errorf("bad point %q", s)
	}
	for i, v := range xy {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return out, fmt.Errorf("bad point %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}
