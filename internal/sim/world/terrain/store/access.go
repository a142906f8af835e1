package store

// BlockEdit is a single block write at a world position.
type BlockEdit struct {
	Pos   Vec3i
	Block Block
}

// GetBlockAt returns the block at world position p, or Air if its chunk is not
// resident.
func (s *ChunkCache) GetBlockAt(p Vec3i) Block {
	c, ok := s.Get(Encode(p))
	if !ok {
		return Air
	}
	return c.GetWorld(p)
}

// SetBlockAt writes b at world position p. It returns false, and loads nothing,
// when the owning chunk is not resident or was evicted during the write.
func (s *ChunkCache) SetBlockAt(p Vec3i, b Block) bool {
	c, ok := s.Get(Encode(p))
	if !ok {
		return false
	}
	c.SetWorld(p, b)
	return s.commit(c, []Vec3i{p})
}

// SetBlocksAt applies edits grouped by owning chunk, firing one change
// notification per chunk with every position applied to it. Edits whose chunk
// is not resident are skipped. It returns the number of edits applied.
func (s *ChunkCache) SetBlocksAt(edits []BlockEdit) int {
	type group struct {
		chunk     *Chunk
		positions []Vec3i
	}
	var order []int64
	groups := map[int64]*group{}
	for _, e := range edits {
		key := Encode(e.Pos)
		g := groups[key]
		if g == nil {
			c, ok := s.Get(key)
			if !ok {
				continue
			}
			g = &group{chunk: c}
			groups[key] = g
			order = append(order, key)
		}
		g.chunk.SetWorld(e.Pos, e.Block)
		g.positions = append(g.positions, e.Pos)
	}

	applied := 0
	for _, key := range order {
		g := groups[key]
		if s.commit(g.chunk, g.positions) {
			applied += len(g.positions)
		}
	}
	return applied
}

// commit fires the change notification for positions written to c, but only
// while c is still the resident chunk for its key. A drop tick may evict the
// chunk between lookup and write, and observers must never hear about a chunk
// the cache no longer holds.
func (s *ChunkCache) commit(c *Chunk, positions []Vec3i) bool {
	s.mu.RLock()
	cur, ok := s.chunks[c.Key()]
	s.mu.RUnlock()
	if !ok || cur != c {
		return false
	}
	s.obs.changed(c, positions)
	return true
}
