package store

import (
	"sync"
)

// Handler receives cache change notifications. Calls happen after the cache
// already reflects the change and never while a cache lock is held, so a
// handler may query or mutate the cache.
type Handler interface {
	ChunkAdded(c *Chunk)
	ChunkChanged(c *Chunk, positions []Vec3i)
	ChunkRemoved(c *Chunk)
}

// HandlerFuncs adapts optional functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Added   func(c *Chunk)
	Changed func(c *Chunk, positions []Vec3i)
	Removed func(c *Chunk)
}

func (h HandlerFuncs) ChunkAdded(c *Chunk) {
	if h.Added != nil {
		h.Added(c)
	}
}

func (h HandlerFuncs) ChunkChanged(c *Chunk, positions []Vec3i) {
	if h.Changed != nil {
		h.Changed(c, positions)
	}
}

func (h HandlerFuncs) ChunkRemoved(c *Chunk) {
	if h.Removed != nil {
		h.Removed(c)
	}
}

// Subscription ties a Handler to a cache until Unsubscribe.
type Subscription struct {
	list *observers
	id   uint64
	once sync.Once
}

// Unsubscribe detaches the handler. Safe to call more than once. A notification
// already being delivered may still reach the handler.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.list.remove(s.id) })
}

type observers struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]Handler
	order  []uint64
}

func (o *observers) add(h Handler) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byID == nil {
		o.byID = map[uint64]Handler{}
	}
	o.nextID++
	id := o.nextID
	o.byID[id] = h
	o.order = append(o.order, id)
	return &Subscription{list: o, id: id}
}

func (o *observers) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byID[id]; !ok {
		return
	}
	delete(o.byID, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i:i], o.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the handlers in subscription order.
func (o *observers) snapshot() []Handler {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Handler, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.byID[id])
	}
	return out
}

func (o *observers) added(c *Chunk) {
	for _, h := range o.snapshot() {
		h.ChunkAdded(c)
	}
}

func (o *observers) changed(c *Chunk, positions []Vec3i) {
	for _, h := range o.snapshot() {
		h.ChunkChanged(c, positions)
	}
}

func (o *observers) removed(c *Chunk) {
	for _, h := range o.snapshot() {
		h.ChunkRemoved(c)
	}
}
