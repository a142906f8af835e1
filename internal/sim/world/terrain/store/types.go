package store

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/xxh3"
)

// Block is a block id. Air (0) doubles as the "not present" value.
type Block int32

const Air Block = 0

// Chunk is one 16x16x16 cube of blocks. key and offset are two views of the same
// value; SetKey is the only way to move a chunk.
type Chunk struct {
	key    int64
	offset Vec3i

	mu     sync.RWMutex
	blocks [ChunkSize][ChunkSize][ChunkSize]Block // [x][y][z]
}

// NewChunk returns an empty (all air) chunk identified by key.
func NewChunk(key int64) *Chunk {
	c := &Chunk{}
	c.SetKey(key)
	return c
}

// NewChunkAt returns an empty chunk owning world position p.
func NewChunkAt(p Vec3i) *Chunk {
	return NewChunk(Encode(p))
}

func (c *Chunk) Key() int64    { return c.key }
func (c *Chunk) Offset() Vec3i { return c.offset }

// SetKey moves the chunk, keeping the offset in sync. It must not be called on a
// chunk that is already resident in a cache.
func (c *Chunk) SetKey(key int64) {
	c.key = key
	c.offset = Decode(key)
}

func inRange(p Vec3i) bool {
	return p.X >= 0 && p.X < ChunkSize &&
		p.Y >= 0 && p.Y < ChunkSize &&
		p.Z >= 0 && p.Z < ChunkSize
}

// GetLocal returns the block at chunk-local p, or Air when p is outside the chunk.
func (c *Chunk) GetLocal(p Vec3i) Block {
	if !inRange(p) {
		return Air
	}
	c.mu.RLock()
	b := c.blocks[p.X][p.Y][p.Z]
	c.mu.RUnlock()
	return b
}

// SetLocal writes the block at chunk-local p. Out of range writes are ignored.
func (c *Chunk) SetLocal(p Vec3i, b Block) {
	if !inRange(p) {
		return
	}
	c.mu.Lock()
	c.blocks[p.X][p.Y][p.Z] = b
	c.mu.Unlock()
}

func (c *Chunk) GetWorld(p Vec3i) Block    { return c.GetLocal(p.Sub(c.offset)) }
func (c *Chunk) SetWorld(p Vec3i, b Block) { c.SetLocal(p.Sub(c.offset), b) }

// Contains reports whether world position p lies inside the chunk.
func (c *Chunk) Contains(p Vec3i) bool {
	return inRange(p.Sub(c.offset))
}

// Fill overwrites every block with fn(world position).
func (c *Chunk) Fill(fn func(p Vec3i) Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for x := 0; x < ChunkSize; x++ {
		for y := 0; y < ChunkSize; y++ {
			for z := 0; z < ChunkSize; z++ {
				c.blocks[x][y][z] = fn(Vec3i{X: c.offset.X + x, Y: c.offset.Y + y, Z: c.offset.Z + z})
			}
		}
	}
}

// IsEmpty reports whether every block is air.
func (c *Chunk) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for x := range c.blocks {
		for y := range c.blocks[x] {
			for z := range c.blocks[x][y] {
				if c.blocks[x][y][z] != Air {
					return false
				}
			}
		}
	}
	return true
}

// Digest hashes the key and block grid.
func (c *Chunk) Digest() uint64 {
	h := xxh3.New()
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(c.key))
	_, _ = h.Write(tmp[:])

	c.mu.RLock()
	defer c.mu.RUnlock()
	for x := range c.blocks {
		for y := range c.blocks[x] {
			for z := range c.blocks[x][y] {
				binary.LittleEndian.PutUint32(tmp[:4], uint32(c.blocks[x][y][z]))
				_, _ = h.Write(tmp[:4])
			}
		}
	}
	return h.Sum64()
}
