package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"voxelstream.ai/internal/protocol"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/terrain/gen"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	g := gen.New(gen.Config{Mode: gen.ModeFlat, FlatHeight: 35, ColumnHeight: 5})
	srv, err := NewServer(g, protocol.WorldParams{Seed: 1, Mode: gen.ModeFlat}, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", srv.Handler())
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/ws"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connectWorld dials the server and runs a client-side world against it.
func connectWorld(t *testing.T, url string, zstd bool) (*Client, *world.World) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cl, err := Dial(ctx, url, ClientOptions{Name: "test", Zstd: zstd}, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	w := world.New(world.WorldConfig{
		ID:        "client",
		Streaming: streaming.Config{LoadDistance: 0, DropDistance: 2},
	}, cl, nil)
	cl.OnUndelivered(w.Scheduler().Forget)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cl.Run(ctx, w)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cl, w
}

func TestClientStreamsColumn(t *testing.T) {
	for _, zstd := range []bool{false, true} {
		_, url := newTestServer(t)
		cl, w := connectWorld(t, url, zstd)
		if cl.Welcome().WorldParams.ColumnHeight != 5 {
			t.Fatalf("unexpected welcome %+v", cl.Welcome())
		}

		w.Scheduler().SetReference(func() mgl32.Vec3 { return mgl32.Vec3{3, 80, 3} })
		if n := w.Scheduler().LoadTick(); n != 1 {
			t.Fatalf("expected one column request, got %d", n)
		}
		waitFor(t, "column", func() bool { return cl.Stats().ColumnsDone == 1 })
		if w.Cache().Len() != 5 {
			t.Fatalf("expected 5 chunks, got %d", w.Cache().Len())
		}
		if w.BlockAt(store.Vec3i{X: 3, Y: 34, Z: 3}) != gen.Stone {
			t.Fatalf("expected stone below flat height (zstd=%v)", zstd)
		}
	}
}

func TestSetBlockIsBroadcast(t *testing.T) {
	srv, url := newTestServer(t)
	a, wa := connectWorld(t, url, true)
	b, wb := connectWorld(t, url, false)

	for _, w := range []*world.World{wa, wb} {
		w.Scheduler().SetReference(func() mgl32.Vec3 { return mgl32.Vec3{0, 0, 0} })
		w.Scheduler().LoadTick()
	}
	waitFor(t, "columns", func() bool { return a.Stats().ColumnsDone == 1 && b.Stats().ColumnsDone == 1 })

	p := store.Vec3i{X: 2, Y: 34, Z: 2}
	if err := a.SetBlock(context.Background(), p, gen.IronOre); err != nil {
		t.Fatalf("set block: %v", err)
	}
	waitFor(t, "edit on both clients", func() bool {
		return wa.BlockAt(p) == gen.IronOre && wb.BlockAt(p) == gen.IronOre
	})
	if srv.Cache().GetBlockAt(p) != gen.IronOre {
		t.Fatalf("authoritative cache not updated")
	}
	if srv.SessionCount() != 2 {
		t.Fatalf("expected 2 sessions, got %d", srv.SessionCount())
	}
}

func TestSetBlockOnUnloadedChunk(t *testing.T) {
	_, url := newTestServer(t)
	cl, _ := connectWorld(t, url, false)

	var mu sync.Mutex
	var got []protocol.ErrorMsg
	cl.OnError(func(e protocol.ErrorMsg) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	p := store.Vec3i{X: 4000, Y: 10, Z: -4000}
	if err := cl.SetBlock(context.Background(), p, gen.Stone); err != nil {
		t.Fatalf("set block: %v", err)
	}
	waitFor(t, "error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if got[0].Code != protocol.ErrNotLoaded || got[0].Key != store.Encode(p) {
		t.Fatalf("unexpected error %+v", got[0])
	}
}

func TestRequestQueueFullForgetsColumn(t *testing.T) {
	_, url := newTestServer(t)
	cl, err := Dial(context.Background(), url, ClientOptions{Name: "slow", MaxQueue: 1}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	var dropped []int64
	cl.OnUndelivered(func(key int64) { dropped = append(dropped, key) })

	// Run is not pumping, so the second request cannot be queued.
	cl.RequestColumn(store.KeyAt(0, 0, 0))
	cl.RequestColumn(store.KeyAt(1, 0, 0))
	if len(dropped) != 1 || dropped[0] != store.KeyAt(1, 0, 0) {
		t.Fatalf("expected second request dropped, got %v", dropped)
	}
	if cl.Stats().RequestsDropped != 1 {
		t.Fatalf("expected one dropped request, got %+v", cl.Stats())
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	_, url := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: "0.1",
		ClientName:      "old",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Type != protocol.TypeError || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("unexpected reply %s", msg)
	}
}

func TestBroadcastEvictsBackloggedSession(t *testing.T) {
	srv, _ := newTestServer(t)

	var kicks atomic.Int32
	slow := &session{id: "slow", out: make(chan outMsg, 1), kick: func() { kicks.Add(1) }}
	slow.out <- outMsg{}
	fast := &session{id: "fast", out: make(chan outMsg, 4)}
	srv.mu.Lock()
	srv.sessions[slow.id] = slow
	srv.sessions[fast.id] = fast
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, slow.id)
		delete(srv.sessions, fast.id)
		srv.mu.Unlock()
	}()

	srv.Cache().Add(store.NewChunk(store.KeyAt(0, 0, 0)))
	srv.Cache().SetBlockAt(store.Vec3i{X: 1, Y: 1, Z: 1}, gen.Dirt)
	srv.Cache().SetBlockAt(store.Vec3i{X: 2, Y: 1, Z: 1}, gen.Dirt)

	if kicks.Load() != 1 {
		t.Fatalf("expected the backlogged session closed once, got %d", kicks.Load())
	}
	if len(fast.out) != 2 {
		t.Fatalf("expected both edits queued for the healthy session, got %d", len(fast.out))
	}
}

func TestEvictedClientReportsErrEvicted(t *testing.T) {
	srv, url := newTestServer(t)
	cl, err := Dial(context.Background(), url, ClientOptions{Name: "lagging"}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	w := world.New(world.WorldConfig{ID: "lagging"}, cl, nil)
	runErr := make(chan error, 1)
	go func() { runErr <- cl.Run(context.Background(), w) }()

	waitFor(t, "session", func() bool { return srv.SessionCount() == 1 })
	srv.mu.Lock()
	var sess *session
	for _, s := range srv.sessions {
		sess = s
	}
	srv.mu.Unlock()
	sess.evict()

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrEvicted) {
			t.Fatalf("expected ErrEvicted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after eviction")
	}
	waitFor(t, "session cleanup", func() bool { return srv.SessionCount() == 0 })
}

func TestDialWrapsBadHandshakeReply(t *testing.T) {
	up := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_, _, _ = conn.ReadMessage()
	}))
	defer hs.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"), ClientOptions{Name: "x"}, nil)
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected wrapped json error, got %v", err)
	}
}
