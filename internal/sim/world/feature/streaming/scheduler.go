package streaming

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/tasks"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

const (
	DefaultLoadInterval = 250 * time.Millisecond
	DefaultDropInterval = 2000 * time.Millisecond
)

// Requester asks a chunk producer for every chunk of a column. It must not block;
// chunks arrive later through the cache.
type Requester interface {
	RequestColumn(key int64)
}

type RequesterFunc func(key int64)

func (f RequesterFunc) RequestColumn(key int64) { f(key) }

// ReferenceFunc reports the current reference (player) position.
type ReferenceFunc func() mgl32.Vec3

type Config struct {
	// LoadDistance is the Manhattan column radius requested around the
	// reference. Negative means not set: nothing is requested.
	LoadDistance int
	// DropDistance is the horizontal radius, in chunks, beyond which resident
	// chunks are evicted.
	DropDistance int
	LoadInterval time.Duration
	DropInterval time.Duration
}

// Scheduler keeps the columns around a moving reference position requested and
// evicts resident chunks that fall outside the drop distance. Load and drop
// run on independent clocks.
type Scheduler struct {
	cache *store.ChunkCache
	req   Requester
	log   *log.Logger

	mu               sync.Mutex
	running          bool
	ref              ReferenceFunc
	loadDistance     int
	dropDistance     int
	template         []store.Vec3i
	warnedNoTemplate bool
	requested        map[int64]struct{}
	sinks            []EventSink

	loadTask *tasks.Periodic
	dropTask *tasks.Periodic
}

func NewScheduler(cache *store.ChunkCache, req Requester, cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.LoadInterval <= 0 {
		cfg.LoadInterval = DefaultLoadInterval
	}
	if cfg.DropInterval <= 0 {
		cfg.DropInterval = DefaultDropInterval
	}
	s := &Scheduler{
		cache:        cache,
		req:          req,
		log:          logger,
		loadDistance: cfg.LoadDistance,
		dropDistance: cfg.DropDistance,
		template:     ColumnTemplate(cfg.LoadDistance),
		requested:    map[int64]struct{}{},
	}
	s.loadTask = tasks.NewPeriodic("stream-load", cfg.LoadInterval, func() { s.loadTick(true) }, logger)
	s.dropTask = tasks.NewPeriodic("stream-drop", cfg.DropInterval, func() { s.dropTick(true) }, logger)
	return s
}

// AddSink registers a receiver for request/drop events.
func (s *Scheduler) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Start begins periodic load and drop ticks around ref. It returns false if the
// scheduler is already active.
func (s *Scheduler) Start(ctx context.Context, ref ReferenceFunc) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.ref = ref
	s.mu.Unlock()

	s.loadTask.Start(ctx)
	s.dropTask.Start(ctx)
	return true
}

// Stop halts both clocks. When it returns no further tick will run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.ref = nil
	s.mu.Unlock()

	s.loadTask.Stop()
	s.dropTask.Stop()
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetReference installs ref without starting the clocks, for hosts that drive
// LoadTick and DropTick themselves.
func (s *Scheduler) SetReference(ref ReferenceFunc) {
	s.mu.Lock()
	s.ref = ref
	s.mu.Unlock()
}

// SetLoadDistance changes the load radius and rebuilds the column template.
func (s *Scheduler) SetLoadDistance(d int) {
	tmpl := ColumnTemplate(d)
	s.mu.Lock()
	s.loadDistance = d
	s.template = tmpl
	s.warnedNoTemplate = false
	s.mu.Unlock()
}

func (s *Scheduler) LoadDistance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDistance
}

func (s *Scheduler) SetDropDistance(d int) {
	s.mu.Lock()
	s.dropDistance = d
	s.mu.Unlock()
}

func (s *Scheduler) DropDistance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropDistance
}

// Requested reports whether a fetch for the column is outstanding or satisfied.
func (s *Scheduler) Requested(columnKey int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requested[columnKey]
	return ok
}

func (s *Scheduler) RequestedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requested)
}

// Forget clears a column from the requested set so the next load tick asks for
// it again. Transports call this when a request could not be delivered.
func (s *Scheduler) Forget(columnKey int64) {
	s.mu.Lock()
	delete(s.requested, columnKey)
	s.mu.Unlock()
}

// ForgetAll clears the requested set, so the next load tick asks for the whole
// template again.
func (s *Scheduler) ForgetAll() int {
	s.mu.Lock()
	n := len(s.requested)
	s.requested = map[int64]struct{}{}
	s.mu.Unlock()
	return n
}

// LoadTick requests every template column around the reference that has not
// been requested yet. It returns the number of requests issued.
func (s *Scheduler) LoadTick() int { return s.loadTick(false) }

// DropTick evicts resident chunks beyond the drop distance. It returns the
// number of chunks removed.
func (s *Scheduler) DropTick() int { return s.dropTick(false) }

func (s *Scheduler) reference(fromTimer bool) (ReferenceFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromTimer && !s.running {
		return nil, false
	}
	return s.ref, s.ref != nil
}

func (s *Scheduler) loadTick(fromTimer bool) int {
	ref, ok := s.reference(fromTimer)
	if !ok {
		return 0
	}
	pos := ref()
	center := store.Vec3i{
		X: int(math32.Floor(pos.X())),
		Z: int(math32.Floor(pos.Z())),
	}

	s.mu.Lock()
	if fromTimer && !s.running {
		s.mu.Unlock()
		return 0
	}
	if s.template == nil {
		if !s.warnedNoTemplate {
			s.warnedNoTemplate = true
			s.log.Printf("warn: streaming: no column template (load distance %d); requesting nothing", s.loadDistance)
		}
		s.mu.Unlock()
		return 0
	}
	var keys []int64
	for _, off := range s.template {
		key := store.ColumnKey(center.Add(off))
		if _, ok := s.requested[key]; ok {
			continue
		}
		s.requested[key] = struct{}{}
		keys = append(keys, key)
	}
	sinks := s.sinks
	s.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		s.req.RequestColumn(key)
		emit(sinks, Event{Kind: EventRequest, Key: key, Column: key, Offset: store.Decode(key), At: now})
	}
	return len(keys)
}

func (s *Scheduler) dropTick(fromTimer bool) int {
	ref, ok := s.reference(fromTimer)
	if !ok {
		return 0
	}
	pos := ref()

	s.mu.Lock()
	limit := float32(s.dropDistance * store.ChunkSize)
	s.mu.Unlock()

	var far []*store.Chunk
	s.cache.Range(func(c *store.Chunk) bool {
		off := c.Offset()
		d := mgl32.Vec2{float32(off.X) - pos.X(), float32(off.Z) - pos.Z()}
		if d.Len() > limit {
			far = append(far, c)
		}
		return true
	})
	if len(far) == 0 {
		return 0
	}

	s.mu.Lock()
	if fromTimer && !s.running {
		s.mu.Unlock()
		return 0
	}
	for _, c := range far {
		delete(s.requested, store.ColumnKey(c.Offset()))
	}
	sinks := s.sinks
	s.mu.Unlock()

	now := time.Now()
	dropped := 0
	for _, c := range far {
		if _, ok := s.cache.Remove(c.Key()); !ok {
			continue
		}
		dropped++
		emit(sinks, Event{Kind: EventDrop, Key: c.Key(), Column: store.ColumnKey(c.Offset()), Offset: c.Offset(), At: now})
	}
	return dropped
}
