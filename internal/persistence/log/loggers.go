package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

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
	return w.w.Flush()
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
	w.w = bufio.NewWriterSize(enc, 128*1024)
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

// Record kinds written by StreamLogger besides the scheduler's own.
const (
	KindArrival = "ARRIVAL"
	KindEdit    = "EDIT"
	KindRemoved = "REMOVED"
)

// Record is one JSONL line of the stream log.
type Record struct {
	Kind   string      `json:"kind"`
	Key    int64       `json:"key"`
	Column int64       `json:"column"`
	Offset store.Vec3i `json:"offset"`
	Digest string      `json:"digest,omitempty"`
	Edits  int         `json:"edits,omitempty"`
	At     time.Time   `json:"at"`
}

// StreamLogger writes scheduler events and cache activity as compressed JSONL.
// It is both a streaming.EventSink and a store.Handler.
type StreamLogger struct {
	w      *JSONLZstdWriter
	log    *stdlog.Logger
	failed atomic.Uint64
}

func NewStreamLogger(dataDir string, logger *stdlog.Logger) *StreamLogger {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	return &StreamLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "stream"), "stream"),
		log: logger,
	}
}

func (l *StreamLogger) StreamEvent(ev streaming.Event) {
	l.write(Record{
		Kind:   string(ev.Kind),
		Key:    ev.Key,
		Column: ev.Column,
		Offset: ev.Offset,
		At:     ev.At,
	})
}

func (l *StreamLogger) ChunkAdded(c *store.Chunk) {
	l.write(chunkRecord(KindArrival, c, 0))
}

func (l *StreamLogger) ChunkChanged(c *store.Chunk, positions []store.Vec3i) {
	l.write(chunkRecord(KindEdit, c, len(positions)))
}

func (l *StreamLogger) ChunkRemoved(c *store.Chunk) {
	l.write(chunkRecord(KindRemoved, c, 0))
}

// Failed returns the number of records that could not be written.
func (l *StreamLogger) Failed() uint64 { return l.failed.Load() }

func (l *StreamLogger) Close() error { return l.w.Close() }

func (l *StreamLogger) write(r Record) {
	if err := l.w.Write(r); err != nil {
		// Only the first failure is logged; the count keeps going.
		if l.failed.Add(1) == 1 {
			l.log.Printf("warn: stream log: %v", err)
		}
	}
}

func chunkRecord(kind string, c *store.Chunk, edits int) Record {
	off := c.Offset()
	return Record{
		Kind:   kind,
		Key:    c.Key(),
		Column: store.ColumnKey(off),
		Offset: off,
		Digest: fmt.Sprintf("%016x", c.Digest()),
		Edits:  edits,
		At:     time.Now().UTC(),
	}
}
