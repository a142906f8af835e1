package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// SQLiteIndex is a queryable read model of streaming activity. Writes are
// queued and applied by a single goroutine; when the queue is full they are
// dropped and counted.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvent   atomic.Uint64
	dropArrival atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqArrival
	reqSync
)

type req struct {
	kind reqKind

	event   streaming.Event
	arrival arrivalRow
	done    chan struct{}
}

type arrivalRow struct {
	Key    int64
	Column int64
	X, Y   int
	Z      int
	Digest string
	At     time.Time
}

// ColumnStats summarizes one column.
type ColumnStats struct {
	Column    int64
	X, Z      int
	Requests  int
	Drops     int
	Arrivals  int
	LastEvent string
	LastAt    time.Time
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropEventTotal   uint64
	DropArrivalTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
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
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
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
		`CREATE TABLE IF NOT EXISTS columns (
			column_key INTEGER PRIMARY KEY,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			drops INTEGER NOT NULL DEFAULT 0,
			arrivals INTEGER NOT NULL DEFAULT 0,
			last_event TEXT NOT NULL,
			last_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS arrivals (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_key INTEGER NOT NULL,
			column_key INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			digest TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_arrivals_column ON arrivals(column_key, seq);`,
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
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropEventTotal:   s.dropEvent.Load(),
		DropArrivalTotal: s.dropArrival.Load(),
	}
}

// StreamEvent implements streaming.EventSink.
func (s *SQLiteIndex) StreamEvent(ev streaming.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.dropEvent.Add(1)
	}
}

// RecordArrival indexes a chunk that became resident.
func (s *SQLiteIndex) RecordArrival(c *store.Chunk) {
	if s == nil || s.closed.Load() || c == nil {
		return
	}
	off := c.Offset()
	r := arrivalRow{
		Key:    c.Key(),
		Column: store.ColumnKey(off),
		X:      off.X,
		Y:      off.Y,
		Z:      off.Z,
		Digest: fmt.Sprintf("%016x", c.Digest()),
		At:     time.Now().UTC(),
	}
	select {
	case s.ch <- req{kind: reqArrival, arrival: r}:
	default:
		s.dropArrival.Add(1)
	}
}

// Handler returns a cache subscriber that records arrivals.
func (s *SQLiteIndex) Handler() store.Handler {
	return store.HandlerFuncs{Added: s.RecordArrival}
}

// Sync blocks until every write queued before it has been committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
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

// ColumnStats reads the counters for the column containing columnKey. ok is
// false when the column was never seen.
func (s *SQLiteIndex) ColumnStats(ctx context.Context, columnKey int64) (ColumnStats, bool, error) {
	col := store.ColumnKey(store.Decode(columnKey))
	var (
		st     ColumnStats
		lastAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT column_key,x,z,requests,drops,arrivals,last_event,last_at FROM columns WHERE column_key=?`, col,
	).Scan(&st.Column, &st.X, &st.Z, &st.Requests, &st.Drops, &st.Arrivals, &st.LastEvent, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ColumnStats{}, false, nil
	}
	if err != nil {
		return ColumnStats{}, false, err
	}
	st.LastAt, _ = time.Parse(time.RFC3339Nano, lastAt)
	return st, true, nil
}

// ArrivalCount returns how many chunk arrivals were recorded for a column.
func (s *SQLiteIndex) ArrivalCount(ctx context.Context, columnKey int64) (int, error) {
	col := store.ColumnKey(store.Decode(columnKey))
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM arrivals WHERE column_key=?`, col).Scan(&n)
	return n, err
}

const upsertColumn = `INSERT INTO columns(column_key,x,z,requests,drops,arrivals,last_event,last_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(column_key) DO UPDATE SET
	requests = requests + excluded.requests,
	drops = drops + excluded.drops,
	arrivals = arrivals + excluded.arrivals,
	last_event = excluded.last_event,
	last_at = excluded.last_at`

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsert, _ := s.db.Prepare(upsertColumn)
	insertArrival, _ := s.db.Prepare(`INSERT INTO arrivals(chunk_key,column_key,x,y,z,digest,at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if upsert != nil {
			_ = upsert.Close()
		}
		if insertArrival != nil {
			_ = insertArrival.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
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
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			col := store.ColumnKey(ev.Offset)
			var requests, drops int
			switch ev.Kind {
			case streaming.EventRequest:
				requests = 1
			case streaming.EventDrop:
				drops = 1
			}
			if upsert != nil {
				if _, err := tx.Stmt(upsert).Exec(
					col, ev.Offset.X, ev.Offset.Z,
					requests, drops, 0,
					string(ev.Kind), ev.At.UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqArrival:
			a := r.arrival
			at := a.At.Format(time.RFC3339Nano)
			if insertArrival != nil {
				if _, err := tx.Stmt(insertArrival).Exec(a.Key, a.Column, a.X, a.Y, a.Z, a.Digest, at); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			if upsert != nil {
				if _, err := tx.Stmt(upsert).Exec(a.Column, a.X, a.Z, 0, 0, 1, "ARRIVAL", at); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
