package store

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ChunkCache is the in-memory set of resident chunks for one world. Every chunk
// stored under key k has Key() == k.
type ChunkCache struct {
	mu     sync.RWMutex
	chunks map[int64]*Chunk

	obs observers
}

func NewChunkCache() *ChunkCache {
	return &ChunkCache{
		chunks: map[int64]*Chunk{},
	}
}

// Subscribe registers h for added/changed/removed notifications.
func (s *ChunkCache) Subscribe(h Handler) *Subscription {
	return s.obs.add(h)
}

// Add inserts c unless its key is already resident.
func (s *ChunkCache) Add(c *Chunk) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	if _, ok := s.chunks[c.Key()]; ok {
		s.mu.Unlock()
		return false
	}
	s.chunks[c.Key()] = c
	s.mu.Unlock()

	s.obs.added(c)
	return true
}

// Remove deletes and returns the chunk stored under key.
func (s *ChunkCache) Remove(key int64) (*Chunk, bool) {
	s.mu.Lock()
	c, ok := s.chunks[key]
	if ok {
		delete(s.chunks, key)
	}
	s.mu.Unlock()

	if ok {
		s.obs.removed(c)
	}
	return c, ok
}

// Replace removes any chunk with c's key and adds c. It reports whether an
// existing chunk was replaced. Observers see the removal before the addition.
func (s *ChunkCache) Replace(c *Chunk) bool {
	if c == nil {
		return false
	}
	_, existed := s.Remove(c.Key())
	s.Add(c)
	return existed
}

// AddOrReplace makes c the resident chunk for its key. Concurrent calls for
// the same key are not linearizable: Remove, Remove, Add, Add can leave the
// older chunk resident. Chunks for a key must arrive from a single writer, such
// as a transport read loop.
func (s *ChunkCache) AddOrReplace(c *Chunk) {
	if !s.Add(c) {
		s.Replace(c)
	}
}

func (s *ChunkCache) Get(key int64) (*Chunk, bool) {
	s.mu.RLock()
	c, ok := s.chunks[key]
	s.mu.RUnlock()
	return c, ok
}

func (s *ChunkCache) Contains(key int64) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *ChunkCache) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Keys returns the resident keys in ascending order.
func (s *ChunkCache) Keys() []int64 {
	s.mu.RLock()
	keys := lo.Keys(s.chunks)
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Chunks returns the resident chunks in no particular order.
func (s *ChunkCache) Chunks() []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.chunks)
}

// Range calls fn for each resident chunk until fn returns false. fn runs on a
// snapshot and may mutate the cache.
func (s *ChunkCache) Range(fn func(c *Chunk) bool) {
	for _, c := range s.Chunks() {
		if !fn(c) {
			return
		}
	}
}

// Clear removes every resident chunk, notifying observers for each.
func (s *ChunkCache) Clear() int {
	s.mu.Lock()
	old := s.chunks
	s.chunks = map[int64]*Chunk{}
	s.mu.Unlock()

	for _, c := range old {
		s.obs.removed(c)
	}
	return len(old)
}
