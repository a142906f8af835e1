package gen

import (
	"math"

	"github.com/ojrac/opensimplex-go"

	"voxelstream.ai/internal/sim/world/logic/mathx"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// Block ids produced by the generator.
const (
	Stone   store.Block = 1
	Dirt    store.Block = 2
	Grass   store.Block = 3
	CoalOre store.Block = 4
	IronOre store.Block = 5
)

const (
	ModeFlat  = "flat"
	ModeNoise = "noise"
)

type Config struct {
	Seed         int64
	Mode         string
	ColumnHeight int // chunks per column

	FlatHeight int // blocks below this y are solid in flat mode

	BaseHeight     int
	NoiseAmplitude float64
	NoiseScale     float64
	OrePermille    int
}

// Generator produces whole chunk columns deterministically from the seed.
type Generator struct {
	cfg   Config
	noise opensimplex.Noise
}

func New(cfg Config) *Generator {
	if cfg.ColumnHeight <= 0 {
		cfg.ColumnHeight = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFlat
	}
	if cfg.NoiseScale <= 0 {
		cfg.NoiseScale = 1.0 / 64
	}
	return &Generator{
		cfg:   cfg,
		noise: opensimplex.New(cfg.Seed),
	}
}

func (g *Generator) ColumnHeight() int { return g.cfg.ColumnHeight }

// Column returns every chunk of the column owning key, bottom up. Chunks that
// are entirely air are still returned so the receiver knows they are loaded.
func (g *Generator) Column(key int64) []*store.Chunk {
	base := store.Decode(key)
	out := make([]*store.Chunk, 0, g.cfg.ColumnHeight)
	for cy := 0; cy < g.cfg.ColumnHeight; cy++ {
		c := store.NewChunkAt(store.Vec3i{X: base.X, Y: cy * store.ChunkSize, Z: base.Z})
		g.fill(c)
		out = append(out, c)
	}
	return out
}

// Chunk returns the single chunk identified by key.
func (g *Generator) Chunk(key int64) *store.Chunk {
	c := store.NewChunk(key)
	g.fill(c)
	return c
}

func (g *Generator) fill(c *store.Chunk) {
	if g.cfg.Mode == ModeFlat {
		h := g.cfg.FlatHeight
		c.Fill(func(p store.Vec3i) store.Block {
			if p.Y < h {
				return Stone
			}
			return store.Air
		})
		return
	}

	// Heights are per column; compute once per xz.
	off := c.Offset()
	var heights [store.ChunkSize][store.ChunkSize]int
	for x := 0; x < store.ChunkSize; x++ {
		for z := 0; z < store.ChunkSize; z++ {
			heights[x][z] = g.HeightAt(off.X+x, off.Z+z)
		}
	}
	c.Fill(func(p store.Vec3i) store.Block {
		h := heights[p.X-off.X][p.Z-off.Z]
		switch {
		case p.Y >= h:
			return store.Air
		case p.Y == h-1:
			return Grass
		case p.Y >= h-3:
			return Dirt
		}
		if ore := g.oreAt(p); ore != store.Air {
			return ore
		}
		return Stone
	})
}

// HeightAt is the number of solid blocks in the world column at (x, z).
func (g *Generator) HeightAt(x, z int) int {
	if g.cfg.Mode == ModeFlat {
		return g.cfg.FlatHeight
	}
	s := g.cfg.NoiseScale
	n := g.noise.Eval2(float64(x)*s, float64(z)*s)
	h := g.cfg.BaseHeight + int(math.Round(n*g.cfg.NoiseAmplitude))
	maxH := g.cfg.ColumnHeight * store.ChunkSize
	if h < 1 {
		h = 1
	}
	if h > maxH {
		h = maxH
	}
	return h
}

func (g *Generator) oreAt(p store.Vec3i) store.Block {
	if g.cfg.OrePermille <= 0 {
		return store.Air
	}
	roll := mathx.Hash3(g.cfg.Seed+104, p.X, p.Y, p.Z) % 1000
	switch {
	case roll < uint64(g.cfg.OrePermille)/3:
		return IronOre
	case roll < uint64(g.cfg.OrePermille):
		return CoalOre
	}
	return store.Air
}
