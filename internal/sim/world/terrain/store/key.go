package store

import "voxelstream.ai/internal/sim/world/logic/mathx"

// ChunkSize is the edge length of a chunk in blocks.
const ChunkSize = 16

// ChunkVolume is the number of blocks in one chunk.
const ChunkVolume = ChunkSize * ChunkSize * ChunkSize

// Vec3i is an integer block (or chunk offset) position in world space.
type Vec3i struct {
	X, Y, Z int
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3i) Sub(o Vec3i) Vec3i { return Vec3i{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

// ChunkCoord returns the chunk-axis coordinates (not offset) of the chunk owning p.
func ChunkCoord(p Vec3i) Vec3i {
	return Vec3i{
		X: mathx.FloorDiv(p.X, ChunkSize),
		Y: mathx.FloorDiv(p.Y, ChunkSize),
		Z: mathx.FloorDiv(p.Z, ChunkSize),
	}
}

// OffsetOf returns the world-space origin of the chunk owning p.
func OffsetOf(p Vec3i) Vec3i {
	return Vec3i{
		X: mathx.FloorTo(p.X, ChunkSize),
		Y: mathx.FloorTo(p.Y, ChunkSize),
		Z: mathx.FloorTo(p.Z, ChunkSize),
	}
}

// Encode packs the chunk owning world position p into a key.
//
// Layout (most to least significant): 16 unused bits, x, y, z. Each chunk
// coordinate is stored as a 16-bit two's complement value, so positions whose
// chunk coordinate falls outside [-32768, 32767] alias other chunks.
func Encode(p Vec3i) int64 {
	c := ChunkCoord(p)
	return int64(uint64(uint16(int16(c.X)))<<32 |
		uint64(uint16(int16(c.Y)))<<16 |
		uint64(uint16(int16(c.Z))))
}

// Decode returns the world-space offset of the chunk identified by key.
func Decode(key int64) Vec3i {
	u := uint64(key)
	return Vec3i{
		X: int(int16(uint16(u>>32))) * ChunkSize,
		Y: int(int16(uint16(u>>16))) * ChunkSize,
		Z: int(int16(uint16(u))) * ChunkSize,
	}
}

// ColumnKey returns the key of the column owning p: its chunk at y = 0.
func ColumnKey(p Vec3i) int64 {
	return Encode(Vec3i{X: p.X, Y: 0, Z: p.Z})
}

// KeyAt is Encode for chunk-axis coordinates.
func KeyAt(cx, cy, cz int) int64 {
	return Encode(Vec3i{X: cx * ChunkSize, Y: cy * ChunkSize, Z: cz * ChunkSize})
}
