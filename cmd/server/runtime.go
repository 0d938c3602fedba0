package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"blockworld.io/internal/config"
	"blockworld.io/internal/persistence/indexdb"
	persistlog "blockworld.io/internal/persistence/log"
	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
	"blockworld.io/internal/sim/session"
	"blockworld.io/internal/sim/store"
	"blockworld.io/internal/transport/ws"
)

// snapshotsKept is how many snapshots per world survive pruning.
const snapshotsKept = 5

type serverRuntime struct {
	cfg     config.Config
	dataDir string
	log     *log.Logger

	store *store.Store
	reg   *session.Registry
	eng   *engine.Engine
	hub   *ws.Hub

	auditLog *persistlog.AuditLogger
	idx      *indexdb.SQLiteIndex

	snapMu  sync.Mutex
	lastSeq map[string]uint64
}

type snapshotResult struct {
	World  string `json:"world"`
	Seq    uint64 `json:"seq"`
	Path   string `json:"path"`
	Blocks int    `json:"blocks"`
}

func newServerRuntime(cfg config.Config, dataDir string, idx *indexdb.SQLiteIndex, logger *log.Logger) (*serverRuntime, error) {
	rt := &serverRuntime{
		cfg:     cfg,
		dataDir: dataDir,
		log:     logger,
		store:   store.New(),
		reg:     session.NewRegistry(),
		idx:     idx,
		lastSeq: map[string]uint64{},
	}
	rt.eng = engine.New(cfg, rt.store, rt.reg, logger)
	hub, err := ws.NewHub(rt.eng, cfg.Transport, logger)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	rt.hub = hub

	if dataDir != "" {
		rt.auditLog = persistlog.NewAuditLogger(dataDir, logger)
		rt.eng.SetAuditLogger(multiAuditLogger{a: rt.auditLog, b: idx})
	} else if idx != nil {
		rt.eng.SetAuditLogger(idx)
	}
	return rt, nil
}

// restore creates the preset worlds and the worlds found under the data
// directory. Snapshot numbering always continues from the highest seq on
// disk; the block grid is only reloaded when loadLatest is set.
func (rt *serverRuntime) restore(loadLatest bool) error {
	names := map[string]bool{}
	for _, name := range rt.cfg.Worlds {
		names[name] = true
	}
	if rt.dataDir != "" {
		ents, err := os.ReadDir(filepath.Join(rt.dataDir, "worlds"))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		for _, e := range ents {
			if !e.IsDir() {
				continue
			}
			if _, err := persistlog.WorldDir(rt.dataDir, e.Name()); err != nil {
				rt.log.Printf("skip world dir %q: %v", e.Name(), err)
				continue
			}
			names[e.Name()] = true
		}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		rt.store.GetOrCreate(name)
		if rt.dataDir == "" {
			continue
		}
		worldDir, err := persistlog.WorldDir(rt.dataDir, name)
		if err != nil {
			return err
		}
		seq, ok := snapshot.LatestSeq(worldDir)
		if !ok {
			continue
		}
		rt.lastSeq[name] = seq
		if !loadLatest {
			continue
		}
		path := snapshot.PathFor(worldDir, seq)
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", path, err)
		}
		if snap.Header.World != "" && snap.Header.World != name {
			return fmt.Errorf("snapshot %s belongs to world %q", path, snap.Header.World)
		}
		if snap.TileSize != 0 && snap.TileSize != rt.cfg.TileSize {
			rt.log.Printf("snapshot %s uses tile_size=%d, config has %d; block coordinates are kept as-is", path, snap.TileSize, rt.cfg.TileSize)
		}
		rt.store.Restore(name, snap.StoreBlocks())
		rt.log.Printf("resumed world=%s from snapshot=%s blocks=%d", name, filepath.Base(path), len(snap.Blocks))
	}
	return nil
}

// snapshotWorld persists one world's block grid. Concurrent callers are
// serialized so sequence numbers stay strictly increasing per world.
func (rt *serverRuntime) snapshotWorld(name string, now time.Time) (snapshotResult, error) {
	if rt.dataDir == "" {
		return snapshotResult{}, fmt.Errorf("no data directory")
	}
	if _, ok := rt.store.Lookup(name); !ok {
		return snapshotResult{}, fmt.Errorf("unknown world %q", name)
	}
	worldDir, err := persistlog.WorldDir(rt.dataDir, name)
	if err != nil {
		return snapshotResult{}, err
	}
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()

	last, seeded := rt.lastSeq[name]
	if !seeded {
		// Worlds created after startup may still have snapshots on disk.
		last, _ = snapshot.LatestSeq(worldDir)
	}
	seq := last + 1
	snap := snapshot.FromStore(rt.store.Snapshot(name), rt.cfg.TileSize, seq, now)
	path := snapshot.PathFor(worldDir, seq)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return snapshotResult{}, err
	}
	rt.lastSeq[name] = seq
	rt.idx.RecordSnapshot(path, snap)
	if err := snapshot.Prune(worldDir, snapshotsKept); err != nil {
		rt.log.Printf("prune snapshots world=%s: %v", name, err)
	}
	return snapshotResult{World: name, Seq: seq, Path: path, Blocks: len(snap.Blocks)}, nil
}

func (rt *serverRuntime) snapshotAll(now time.Time) ([]snapshotResult, error) {
	var (
		out      []snapshotResult
		firstErr error
	)
	for _, name := range rt.store.Worlds() {
		res, err := rt.snapshotWorld(name, now)
		if err != nil {
			rt.log.Printf("snapshot world=%s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, res)
	}
	return out, firstErr
}

func (rt *serverRuntime) Close() {
	if rt.auditLog != nil {
		if err := rt.auditLog.Close(); err != nil {
			rt.log.Printf("close audit log: %v", err)
		}
	}
}

type multiAuditLogger struct {
	a engine.AuditLogger
	b *indexdb.SQLiteIndex
}

func (m multiAuditLogger) WriteAudit(entry engine.AuditEntry) error {
	var errA, errB error
	if m.a != nil {
		errA = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		errB = m.b.WriteAudit(entry)
	}
	return errors.Join(errA, errB)
}
