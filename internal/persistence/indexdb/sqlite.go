// Package indexdb keeps a queryable SQLite mirror of the audit stream and
// the snapshot catalog. The JSONL audit logs remain the source of truth; the
// index may drop rows under backpressure.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	written      atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	audit    engine.AuditEntry
	snapshot SnapshotRow
	done     chan struct{}
}

type SnapshotRow struct {
	World     string `json:"world"`
	Seq       uint64 `json:"seq"`
	Path      string `json:"path"`
	Blocks    int    `json:"blocks"`
	CreatedAt string `json:"created_at"`
}

type AuditRow struct {
	World  string `json:"world"`
	Seq    int64  `json:"seq"`
	TimeMS int64  `json:"ts_ms"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Block  string `json:"block"`
	From   string `json:"from"`
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	WrittenTotal      uint64 `json:"written_total"`
	DropAuditTotal    uint64 `json:"drop_audit_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			world TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts_ms INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			block TEXT NOT NULL,
			from_block TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (world, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos ON audits(world, x, y, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor ON audits(actor, ts_ms);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			world TEXT NOT NULL,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			blocks INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (world, seq)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		WrittenTotal:      s.written.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// WriteAudit never blocks the caller; it runs with a world lock held.
func (s *SQLiteIndex) WriteAudit(entry engine.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := SnapshotRow{
		World:     snap.Header.World,
		Seq:       snap.Header.Seq,
		Path:      path,
		Blocks:    len(snap.Blocks),
		CreatedAt: snap.Header.CreatedAt,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Flush waits until everything queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BlockHistory lists every PLACE and BREAK recorded at one cell, oldest first.
func (s *SQLiteIndex) BlockHistory(ctx context.Context, world string, x, y int) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world,seq,ts_ms,actor,action,x,y,block,from_block FROM audits
		 WHERE world=? AND x=? AND y=? AND action IN (?,?) ORDER BY seq`,
		world, x, y, engine.AuditPlace, engine.AuditBreak)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.World, &r.Seq, &r.TimeMS, &r.Actor, &r.Action, &r.X, &r.Y, &r.Block, &r.From); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the newest recorded snapshot of world.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context, world string) (SnapshotRow, bool, error) {
	var r SnapshotRow
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT world,seq,path,blocks,created_at FROM snapshots WHERE world=? ORDER BY seq DESC LIMIT 1`,
		world).Scan(&r.World, &seq, &r.Path, &r.Blocks, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return SnapshotRow{}, false, nil
	}
	if err != nil {
		return SnapshotRow{}, false, err
	}
	r.Seq = uint64(seq)
	return r, true, nil
}

func (s *SQLiteIndex) nextAuditSeq(world string) int64 {
	var seq sql.NullInt64
	_ = s.db.QueryRow(`SELECT MAX(seq) FROM audits WHERE world=?`, world).Scan(&seq)
	if !seq.Valid {
		return 0
	}
	return seq.Int64 + 1
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(world,seq,ts_ms,actor,action,x,y,block,from_block,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(world,seq,path,blocks,created_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		// per-world audit sequence, resumed from the table on first use
		auditSeq = map[string]int64{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		if _, ok := auditSeq[r.audit.World]; r.kind == reqAudit && !ok {
			// Read outside the tx; the single connection would otherwise deadlock.
			commit()
			auditSeq[r.audit.World] = s.nextAuditSeq(r.audit.World)
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			seq := auditSeq[a.World]
			auditSeq[a.World] = seq + 1
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					a.World, seq, a.TimeMS, a.Actor, a.Action,
					a.X, a.Y, a.Block, a.From, string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
				s.written.Add(1)
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					sn.World, int64(sn.Seq), sn.Path, sn.Blocks, sn.CreatedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
				s.written.Add(1)
			}
		}
		// Commit when idle too, so readers on the single connection never wait on an open batch.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
