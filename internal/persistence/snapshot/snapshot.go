package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockworld.io/internal/sim/store"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	World     string `json:"world"`
	Seq       uint64 `json:"seq"`
	CreatedAt string `json:"created_at"`
}

// SnapshotV1 is the persisted block grid of one world. Players are never
// persisted; they only exist while their connection is live.
type SnapshotV1 struct {
	Header Header `json:"header"`

	TileSize int       `json:"tile_size"`
	Blocks   []BlockV1 `json:"blocks"`
}

type BlockV1 struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Type string `json:"type"`
}

// FromStore captures a store snapshot for persistence.
func FromStore(snap store.Snapshot, tileSize int, seq uint64, now time.Time) SnapshotV1 {
	out := SnapshotV1{
		Header: Header{
			Version:   Version,
			World:     snap.World,
			Seq:       seq,
			CreatedAt: now.UTC().Format(time.RFC3339Nano),
		},
		TileSize: tileSize,
		Blocks:   make([]BlockV1, 0, len(snap.Blocks)),
	}
	for _, b := range snap.Blocks {
		out.Blocks = append(out.Blocks, BlockV1{X: b.X, Y: b.Y, Type: b.Type})
	}
	return out
}

// StoreBlocks converts the persisted grid back into store blocks.
func (s SnapshotV1) StoreBlocks() []store.Block {
	out := make([]store.Block, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		out = append(out, store.Block{X: b.X, Y: b.Y, Type: b.Type})
	}
	return out
}

func Dir(worldDir string) string {
	return filepath.Join(worldDir, "snapshots")
}

func PathFor(worldDir string, seq uint64) string {
	return filepath.Join(Dir(worldDir), fmt.Sprintf("%d.snap.zst", seq))
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file and rename so a crash never leaves a torn snapshot
	// as the latest one.
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is for humans and tools; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Latest returns the highest-seq snapshot under worldDir, or "" if none.
func Latest(worldDir string) string {
	seq, ok := LatestSeq(worldDir)
	if !ok {
		return ""
	}
	return PathFor(worldDir, seq)
}

// LatestSeq reports the highest snapshot seq present on disk.
func LatestSeq(worldDir string) (uint64, bool) {
	seqs, err := listSeqs(worldDir)
	if err != nil || len(seqs) == 0 {
		return 0, false
	}
	return seqs[0], true
}

// listSeqs returns the seqs of every snapshot under worldDir, newest first.
func listSeqs(worldDir string) ([]uint64, error) {
	ents, err := os.ReadDir(Dir(worldDir))
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	return seqs, nil
}

// Prune keeps the newest keep snapshots under worldDir and removes the rest.
func Prune(worldDir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	seqs, err := listSeqs(worldDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(seqs) <= keep {
		return nil
	}
	for _, seq := range seqs[keep:] {
		if err := os.Remove(PathFor(worldDir, seq)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
