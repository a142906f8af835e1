package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/logic/raycast"
	"voxelstream.ai/internal/transport/ws"
)

const (
	frameInterval  = 50 * time.Millisecond
	reconnectDelay = 500 * time.Millisecond
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "walker", "client name")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		sentryDSN  = flag.String("sentry_dsn", "", "sentry DSN for panic reports (empty to disable)")
		walkSpeed  = flag.Float64("walk_speed", 4, "reference point speed in blocks per second")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite stream index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	if *sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSN}); err != nil {
			logger.Printf("warn: sentry init: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
		tune.Normalize()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := ws.ClientOptions{
		Name:     *name,
		Zstd:     true,
		MaxQueue: tune.Streaming.MaxPendingRequests,
	}
	cl, err := dial(ctx, *url, opts, logger)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}

	// Requests go to whichever connection is current. Between connections the
	// column is forgotten so the next load tick asks again.
	var (
		w       *world.World
		current atomic.Pointer[ws.Client]
	)
	current.Store(cl)
	req := streaming.RequesterFunc(func(key int64) {
		if c := current.Load(); c != nil {
			c.RequestColumn(key)
			return
		}
		w.Scheduler().Forget(key)
	})
	w = world.New(world.WorldConfig{
		ID: *name,
		Streaming: streaming.Config{
			LoadDistance: tune.Streaming.LoadDistance,
			DropDistance: tune.Streaming.DropDistance,
			LoadInterval: tune.Streaming.LoadInterval(),
			DropInterval: tune.Streaming.DropInterval(),
		},
		RaycastEpsilon: tune.Raycast.Epsilon,
	}, req, logger)

	clientDir := filepath.Join(*dataDir, "client", *name)
	streamLog := persistlog.NewStreamLogger(clientDir, logger)
	defer streamLog.Close()
	defer w.Subscribe(streamLog).Unsubscribe()
	w.Scheduler().AddSink(streamLog)

	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(clientDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		defer w.Subscribe(idx.Handler()).Unsubscribe()
		w.Scheduler().AddSink(idx)
	}

	walk := newWalker(mgl32.Vec3{0.5, startHeight(tune), 0.5}, mgl32.Vec3{1, 0, 0.25}, float32(*walkSpeed))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			cl.OnUndelivered(w.Scheduler().Forget)
			err := cl.Run(gctx, w)
			current.Store(nil)
			cl.Close()
			logStats(logger, cl, w)
			if !errors.Is(err, ws.ErrEvicted) {
				return err
			}
			// Edits were missed while the session lagged, so every resident
			// chunk is suspect.
			n := w.Resync()
			logger.Printf("warn: %v; dropped %d chunks, reconnecting", err, n)
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
			if cl, err = dial(gctx, *url, opts, logger); err != nil {
				return err
			}
			current.Store(cl)
		}
	})
	g.Go(func() error {
		if !w.Start(gctx, walk.Position) {
			return errors.New("scheduler already running")
		}
		defer w.Stop()
		runFrames(gctx, w, walk, tune.Raycast.MaxDistance, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("stopped: %v", err)
	}
}

func dial(ctx context.Context, url string, opts ws.ClientOptions, logger *log.Logger) (*ws.Client, error) {
	cl, err := ws.Dial(ctx, url, opts, logger)
	if err != nil {
		return nil, err
	}
	welcome := cl.Welcome()
	logger.Printf("WELCOME session=%s seed=%d mode=%s column_height=%d",
		welcome.SessionID, welcome.WorldParams.Seed, welcome.WorldParams.Mode, welcome.WorldParams.ColumnHeight)
	return cl, nil
}

func logStats(logger *log.Logger, cl *ws.Client, w *world.World) {
	st := cl.Stats()
	logger.Printf("session %s done chunks=%d columns=%d edits=%d dropped_requests=%d errors=%d resident=%d",
		cl.Welcome().SessionID, st.ChunksReceived, st.ColumnsDone, st.EditsApplied, st.RequestsDropped, st.Errors, w.Cache().Len())
}

// startHeight puts the walker a few blocks above generated terrain so the
// downward ray usually lands within raycast.max_distance.
func startHeight(t tuning.Tuning) float32 {
	if t.WorldGen.Mode == "noise" {
		return float32(t.WorldGen.BaseHeight) + float32(t.WorldGen.NoiseAmplitude) + 3
	}
	return float32(t.WorldGen.FlatHeight) + 3
}

// runFrames advances the walker and casts a ray straight down each frame,
// logging whenever the block under the walker changes.
func runFrames(ctx context.Context, w *world.World, walk *walker, maxDistance float32, logger *log.Logger) {
	t := time.NewTicker(frameInterval)
	defer t.Stop()

	var (
		last    raycast.Hit
		hadLast bool
	)
	down := mgl32.Vec3{0, -1, 0}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pos := walk.Advance(frameInterval)
		hit, ok := w.Raycast(pos, down, maxDistance)
		if ok == hadLast && (!ok || hit.Block == last.Block) {
			continue
		}
		last, hadLast = hit, ok
		if !ok {
			logger.Printf("frame pos=%v: nothing within %.1f blocks", pos, maxDistance)
			continue
		}
		logger.Printf("frame pos=%v: block %v id=%d face=%s at %v", pos, hit.Block, hit.ID, hit.Face, hit.Point)
	}
}
