package raycast

import (
	"io"
	"log"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/store"
)

// DefaultEpsilon is how far past a block boundary each step lands.
const DefaultEpsilon float32 = 0.001

// BlockSource answers block queries. *store.ChunkCache implements it.
type BlockSource interface {
	GetBlockAt(p store.Vec3i) store.Block
}

// Hit is the first solid block struck by a ray.
type Hit struct {
	Block store.Vec3i
	Face  Face
	// Point is where the ray crossed into Block, in world space.
	Point mgl32.Vec3
	ID    store.Block
}

type Raycaster struct {
	src     BlockSource
	log     *log.Logger
	epsilon float32
}

func New(src BlockSource, logger *log.Logger) *Raycaster {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Raycaster{src: src, log: logger, epsilon: DefaultEpsilon}
}

// WithEpsilon overrides the boundary step. Non-positive values are ignored.
func (r *Raycaster) WithEpsilon(eps float32) *Raycaster {
	if eps > 0 {
		r.epsilon = eps
	}
	return r
}

func floorVec(p mgl32.Vec3) store.Vec3i {
	return store.Vec3i{
		X: int(math32.Floor(p.X())),
		Y: int(math32.Floor(p.Y())),
		Z: int(math32.Floor(p.Z())),
	}
}

func blockOrigin(b store.Vec3i) mgl32.Vec3 {
	return mgl32.Vec3{float32(b.X), float32(b.Y), float32(b.Z)}
}

// Raycast marches from origin along dir (any length) and returns the first
// non-air block within maxDistance. The march stops with no hit after
// round(10*maxDistance) steps, logging a warning.
func (r *Raycaster) Raycast(origin, dir mgl32.Vec3, maxDistance float32) (Hit, bool) {
	budget := int(math32.Round(10 * maxDistance))
	if dir.LenSqr() == 0 {
		r.log.Printf("warn: raycast: zero direction from %v", origin)
		return Hit{}, false
	}
	step := dir.Normalize().Mul(r.epsilon)

	pos := origin
	for i := 0; i < budget; i++ {
		if pos.Sub(origin).Len() >= maxDistance {
			return Hit{}, false
		}

		b := floorVec(pos)
		if id := r.src.GetBlockAt(b); id != store.Air {
			base := blockOrigin(b)
			face, local := FaceFromHit(pos.Sub(base), dir)
			return Hit{Block: b, Face: face, Point: base.Add(local), ID: id}, true
		}

		// Time to leave the current block along each axis.
		var t [3]float32
		for a := axisX; a <= axisZ; a++ {
			d := component(dir, a)
			lo := float32(b.X)
			switch a {
			case axisY:
				lo = float32(b.Y)
			case axisZ:
				lo = float32(b.Z)
			}
			switch {
			case d > 0:
				t[a] = (lo + 1 - component(pos, a)) / d
			case d < 0:
				t[a] = (component(pos, a) - lo) / -d
			default:
				t[a] = math32.Inf(1)
			}
		}
		a := minAxis(t[0], t[1], t[2])
		pos = pos.Add(dir.Mul(t[a])).Add(step)
	}

	r.log.Printf("warn: raycast: gave up after %d steps from %v along %v", budget, origin, dir)
	return Hit{}, false
}
