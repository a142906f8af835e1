package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

func TestSQLiteIndex_ColumnStats(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	col := store.KeyAt(-1, 0, 4)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.StreamEvent(streaming.Event{Kind: streaming.EventRequest, Key: col, Column: col, Offset: store.Decode(col), At: at})

	cache := store.NewChunkCache()
	sub := cache.Subscribe(s.Handler())
	defer sub.Unsubscribe()
	for cy := 0; cy < 3; cy++ {
		cache.Add(store.NewChunk(store.KeyAt(-1, cy, 4)))
	}
	drop := store.KeyAt(-1, 2, 4)
	s.StreamEvent(streaming.Event{Kind: streaming.EventDrop, Key: drop, Column: col, Offset: store.Decode(drop), At: at.Add(time.Second)})

	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Any chunk key of the column resolves to the same row.
	st, ok, err := s.ColumnStats(ctx, store.KeyAt(-1, 1, 4))
	if err != nil || !ok {
		t.Fatalf("stats: ok=%v err=%v", ok, err)
	}
	if st.Column != col || st.X != -16 || st.Z != 64 {
		t.Fatalf("unexpected column identity %+v", st)
	}
	if st.Requests != 1 || st.Drops != 1 || st.Arrivals != 3 {
		t.Fatalf("unexpected counters %+v", st)
	}
	if st.LastEvent != string(streaming.EventDrop) || !st.LastAt.Equal(at.Add(time.Second)) {
		t.Fatalf("unexpected last event %+v", st)
	}
	n, err := s.ArrivalCount(ctx, col)
	if err != nil || n != 3 {
		t.Fatalf("arrivals: n=%d err=%v", n, err)
	}

	if _, ok, err := s.ColumnStats(ctx, store.KeyAt(9, 0, 9)); ok || err != nil {
		t.Fatalf("expected unknown column, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvent}

	s.StreamEvent(streaming.Event{Kind: streaming.EventRequest})
	s.RecordArrival(store.NewChunk(store.KeyAt(0, 0, 0)))

	st := s.Stats()
	if st.DropEventTotal != 1 || st.DropArrivalTotal != 1 {
		t.Fatalf("unexpected drop stats %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
