package streaming

import (
	"sort"

	"github.com/samber/lo"

	"voxelstream.ai/internal/sim/world/logic/mathx"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// ColumnTemplate returns the world-space offsets (dx, 0, dz) of every column
// within Manhattan distance radius (in chunks) of the origin column, nearest
// first. A negative radius yields nil.
func ColumnTemplate(radius int) []store.Vec3i {
	if radius < 0 {
		return nil
	}
	var offs []store.Vec3i
	for dx := 0; dx <= radius; dx++ {
		for dz := 0; dx+dz <= radius; dz++ {
			// Mirror into all four quadrants; axes produce duplicates.
			for _, sx := range [2]int{1, -1} {
				for _, sz := range [2]int{1, -1} {
					offs = append(offs, store.Vec3i{X: sx * dx, Z: sz * dz})
				}
			}
		}
	}
	offs = lo.Uniq(offs)
	sort.Slice(offs, func(i, j int) bool {
		di := mathx.AbsInt(offs[i].X) + mathx.AbsInt(offs[i].Z)
		dj := mathx.AbsInt(offs[j].X) + mathx.AbsInt(offs[j].Z)
		if di != dj {
			return di < dj
		}
		if offs[i].X != offs[j].X {
			return offs[i].X < offs[j].X
		}
		return offs[i].Z < offs[j].Z
	})
	for i := range offs {
		offs[i].X *= store.ChunkSize
		offs[i].Z *= store.ChunkSize
	}
	return offs
}

// MinDropDistance is the smallest drop distance that never evicts a column the
// load template just requested. Template columns are picked by Manhattan
// distance from the reference's column, while eviction measures the Euclidean
// XZ distance from the exact reference to a chunk corner; the farthest template
// corner lies under sqrt((load+1)^2+1) < load+2 chunks away.
func MinDropDistance(load int) int {
	if load < 0 {
		return 0
	}
	return load + 2
}
