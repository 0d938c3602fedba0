package log

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"blockworld.io/internal/sim/engine"
)

// JSONLZstdWriter appends one JSON document per line to an hourly rotated
// zstd stream.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Push a complete block to the file so readers see the entry before the
	// hourly rotation closes the frame.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ErrBadWorldName reports a world name that is not a single path element.
var ErrBadWorldName = errors.New("world name is not a single path element")

// ErrAuditQueueFull is returned when the audit writer falls behind.
var ErrAuditQueueFull = errors.New("audit queue full")

// WorldDir returns <dataDir>/worlds/<world>. It refuses any name that would
// resolve outside that directory.
func WorldDir(dataDir, world string) (string, error) {
	if world == "" || world == "." || world == ".." || strings.ContainsAny(world, `/\:`+"\x00") {
		return "", fmt.Errorf("%w: %q", ErrBadWorldName, world)
	}
	root := filepath.Join(dataDir, "worlds")
	dir := filepath.Join(root, world)
	if filepath.Dir(dir) != root {
		return "", fmt.Errorf("%w: %q", ErrBadWorldName, world)
	}
	return dir, nil
}

func AuditDir(dataDir, world string) (string, error) {
	dir, err := WorldDir(dataDir, world)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit"), nil
}

type auditReq struct {
	entry engine.AuditEntry
	dir   string
	done  chan struct{}
}

// AuditLogger writes audit entries to <dataDir>/worlds/<world>/audit/, one
// compressed stream per world. WriteAudit only enqueues; a single goroutine
// owns the files, so callers holding a world lock never wait on the disk.
type AuditLogger struct {
	dataDir string
	log     *stdlog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan auditReq
	wg     sync.WaitGroup

	// writers is owned by the loop goroutine.
	writers map[string]*JSONLZstdWriter

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAuditLogger(dataDir string, logger *stdlog.Logger) *AuditLogger {
	return newAuditLogger(dataDir, logger, 65536)
}

func newAuditLogger(dataDir string, logger *stdlog.Logger, queue int) *AuditLogger {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	l := &AuditLogger{
		dataDir: dataDir,
		log:     logger,
		ch:      make(chan auditReq, queue),
		writers: map[string]*JSONLZstdWriter{},
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l
}

// WriteAudit never blocks. Entries keep the order in which they were
// enqueued.
func (l *AuditLogger) WriteAudit(entry engine.AuditEntry) error {
	dir, err := AuditDir(l.dataDir, entry.World)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("audit logger closed")
	}
	select {
	case l.ch <- auditReq{entry: entry, dir: dir}:
		return nil
	default:
		l.dropped.Add(1)
		return ErrAuditQueueFull
	}
}

// Flush waits until every entry enqueued before the call is on disk.
func (l *AuditLogger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.ch <- auditReq{done: done}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *AuditLogger) Dropped() uint64 { return l.dropped.Load() }
func (l *AuditLogger) Failed() uint64  { return l.failed.Load() }

func (l *AuditLogger) loop() {
	for r := range l.ch {
		if r.done != nil {
			close(r.done)
			continue
		}
		w := l.writers[r.dir]
		if w == nil {
			w = NewJSONLZstdWriter(r.dir, "audit")
			l.writers[r.dir] = w
		}
		if err := w.Write(r.entry); err != nil {
			l.failed.Add(1)
			l.log.Printf("audit write world=%s action=%s: %v", r.entry.World, r.entry.Action, err)
		}
	}
}

// Close drains the queue and closes every stream.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()
	l.wg.Wait()

	var firstErr error
	for _, w := range l.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.writers = map[string]*JSONLZstdWriter{}
	return firstErr
}

// ListAuditFiles returns the audit streams in dir in chronological order.
func ListAuditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > len("audit-.jsonl.zst") && filepath.Ext(name) == ".zst" && name[:6] == "audit-" {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadAuditFile decodes every entry of one audit stream, calling fn in order.
func ReadAuditFile(path string, fn func(engine.AuditEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry engine.AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	// A stream that is still being written ends without a frame footer.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}
