package world

import (
	"context"
	"io"
	"log"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/feature/streaming"
	"voxelstream.ai/internal/sim/world/logic/raycast"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

type WorldConfig struct {
	ID             string
	Streaming      streaming.Config
	RaycastEpsilon float32
}

// World holds the chunk cache, streaming scheduler and raycaster of one
// world/connection. Nothing here is package level; construct one per context.
type World struct {
	cfg WorldConfig
	log *log.Logger

	cache     *store.ChunkCache
	scheduler *streaming.Scheduler
	raycaster *raycast.Raycaster
}

// New builds a world whose scheduler sends column requests to req.
func New(cfg WorldConfig, req streaming.Requester, logger *log.Logger) *World {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cache := store.NewChunkCache()
	return &World{
		cfg:       cfg,
		log:       logger,
		cache:     cache,
		scheduler: streaming.NewScheduler(cache, req, cfg.Streaming, logger),
		raycaster: raycast.New(cache, logger).WithEpsilon(cfg.RaycastEpsilon),
	}
}

func (w *World) ID() string                      { return w.cfg.ID }
func (w *World) Cache() *store.ChunkCache        { return w.cache }
func (w *World) Scheduler() *streaming.Scheduler { return w.scheduler }

// Start begins streaming around ref.
func (w *World) Start(ctx context.Context, ref streaming.ReferenceFunc) bool {
	if !w.scheduler.Start(ctx, ref) {
		return false
	}
	w.log.Printf("world %s: streaming started load=%d drop=%d", w.cfg.ID, w.scheduler.LoadDistance(), w.scheduler.DropDistance())
	return true
}

func (w *World) Stop() {
	w.scheduler.Stop()
}

func (w *World) Subscribe(h store.Handler) *store.Subscription {
	return w.cache.Subscribe(h)
}

// ReceiveChunk installs a chunk delivered by the producer.
func (w *World) ReceiveChunk(c *store.Chunk) {
	if c == nil {
		return
	}
	w.cache.AddOrReplace(c)
}

// Resync discards every resident chunk and every outstanding request, for use
// after the producer connection was lost and local state may be stale. It
// returns the number of chunks dropped.
func (w *World) Resync() int {
	n := w.cache.Clear()
	w.scheduler.ForgetAll()
	w.log.Printf("world %s: resync dropped %d chunks", w.cfg.ID, n)
	return n
}

// ApplyBlockEdits applies producer-delivered edits for the chunk identified by
// key, one SetBlockAt per edit. Edits outside that chunk are skipped. It returns
// the number applied.
func (w *World) ApplyBlockEdits(key int64, edits []store.BlockEdit) int {
	applied := 0
	for _, e := range edits {
		if store.Encode(e.Pos) != key {
			w.log.Printf("warn: world %s: edit at %v outside chunk %d", w.cfg.ID, e.Pos, key)
			continue
		}
		if w.cache.SetBlockAt(e.Pos, e.Block) {
			applied++
		}
	}
	return applied
}

func (w *World) BlockAt(p store.Vec3i) store.Block {
	return w.cache.GetBlockAt(p)
}

func (w *World) SetBlock(p store.Vec3i, b store.Block) bool {
	return w.cache.SetBlockAt(p, b)
}

func (w *World) Raycast(origin, dir mgl32.Vec3, maxDistance float32) (raycast.Hit, bool) {
	return w.raycaster.Raycast(origin, dir, maxDistance)
}
