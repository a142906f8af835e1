package raycast

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/store"
)

// floorWorld is solid (id 1) below y=35 for every resident column.
func floorWorld(t *testing.T) *store.ChunkCache {
	t.Helper()
	s := store.NewChunkCache()
	for cx := -1; cx <= 1; cx++ {
		for cz := -1; cz <= 1; cz++ {
			for cy := 0; cy < 5; cy++ {
				c := store.NewChunk(store.KeyAt(cx, cy, cz))
				c.Fill(func(p store.Vec3i) store.Block {
					if p.Y < 35 {
						return 1
					}
					return store.Air
				})
				s.Add(c)
			}
		}
	}
	return s
}

func TestRaycastDownHitsTopOfFloor(t *testing.T) {
	r := New(floorWorld(t), nil)
	hit, ok := r.Raycast(mgl32.Vec3{0.5, 100, 0.5}, mgl32.Vec3{0, -1, 0}, 200)
	if !ok {
		t.Fatalf("expected a hit")
	}
	if hit.Block != (store.Vec3i{X: 0, Y: 34, Z: 0}) {
		t.Fatalf("expected block (0,34,0), got %v", hit.Block)
	}
	if hit.Face != FaceTop {
		t.Fatalf("expected Top face, got %v", hit.Face)
	}
	if hit.ID != 1 {
		t.Fatalf("expected id 1, got %d", hit.ID)
	}
	if hit.Point.Y() != 35 {
		t.Fatalf("expected entry point on y=35, got %v", hit.Point)
	}
}

func TestRaycastDirectionNeedNotBeNormalized(t *testing.T) {
	r := New(floorWorld(t), nil)
	a, okA := r.Raycast(mgl32.Vec3{-3.5, 50, 7.25}, mgl32.Vec3{0, -1, 0}, 100)
	b, okB := r.Raycast(mgl32.Vec3{-3.5, 50, 7.25}, mgl32.Vec3{0, -40, 0}, 100)
	if !okA || !okB || a.Block != b.Block || a.Face != b.Face {
		t.Fatalf("scaled direction changed the result: %+v vs %+v", a, b)
	}
	if a.Block != (store.Vec3i{X: -4, Y: 34, Z: 7}) {
		t.Fatalf("unexpected block %v", a.Block)
	}
}

func TestRaycastSideFaces(t *testing.T) {
	s := store.NewChunkCache()
	s.Add(store.NewChunk(store.KeyAt(0, 0, 0)))
	s.SetBlockAt(store.Vec3i{X: 6, Y: 2, Z: 2}, 4)
	s.SetBlockAt(store.Vec3i{X: 2, Y: 2, Z: 9}, 4)
	r := New(s, nil)

	hit, ok := r.Raycast(mgl32.Vec3{1.5, 2.5, 2.5}, mgl32.Vec3{1, 0, 0}, 10)
	if !ok || hit.Block != (store.Vec3i{X: 6, Y: 2, Z: 2}) || hit.Face != FaceLeft {
		t.Fatalf("unexpected +X hit: %+v ok=%v", hit, ok)
	}
	hit, ok = r.Raycast(mgl32.Vec3{10.5, 2.5, 2.5}, mgl32.Vec3{-1, 0, 0}, 10)
	if !ok || hit.Block != (store.Vec3i{X: 6, Y: 2, Z: 2}) || hit.Face != FaceRight {
		t.Fatalf("unexpected -X hit: %+v ok=%v", hit, ok)
	}
	hit, ok = r.Raycast(mgl32.Vec3{2.5, 2.5, 2.5}, mgl32.Vec3{0, 0, 1}, 10)
	if !ok || hit.Block != (store.Vec3i{X: 2, Y: 2, Z: 9}) || hit.Face != FaceBack {
		t.Fatalf("unexpected +Z hit: %+v ok=%v", hit, ok)
	}
}

func TestRaycastRespectsMaxDistance(t *testing.T) {
	var buf bytes.Buffer
	r := New(floorWorld(t), log.New(&buf, "", 0))
	if _, ok := r.Raycast(mgl32.Vec3{0.5, 100, 0.5}, mgl32.Vec3{0, -1, 0}, 20); ok {
		t.Fatalf("floor is 65 blocks away; expected no hit within 20")
	}
	if _, ok := r.Raycast(mgl32.Vec3{0.5, 100, 0.5}, mgl32.Vec3{0, 1, 0}, 50); ok {
		t.Fatalf("expected no hit looking up")
	}
	if buf.Len() != 0 {
		t.Fatalf("normal misses should not warn: %q", buf.String())
	}
}

func TestRaycastBudgetExhaustionWarns(t *testing.T) {
	var buf bytes.Buffer
	r := New(store.NewChunkCache(), log.New(&buf, "", 0))
	// round(10*0.04) = 0 steps.
	if _, ok := r.Raycast(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 0.04); ok {
		t.Fatalf("expected no hit")
	}
	if !strings.Contains(buf.String(), "gave up") {
		t.Fatalf("expected budget warning, got %q", buf.String())
	}
}

func TestRaycastZeroDirection(t *testing.T) {
	r := New(floorWorld(t), nil)
	if _, ok := r.Raycast(mgl32.Vec3{0.5, 100, 0.5}, mgl32.Vec3{}, 10); ok {
		t.Fatalf("zero direction should not hit")
	}
}

func TestRaycastStartingInsideSolid(t *testing.T) {
	r := New(floorWorld(t), nil)
	hit, ok := r.Raycast(mgl32.Vec3{0.5, 10.5, 0.5}, mgl32.Vec3{0, -1, 0}, 5)
	if !ok || hit.Block != (store.Vec3i{X: 0, Y: 10, Z: 0}) {
		t.Fatalf("expected the containing block, got %+v ok=%v", hit, ok)
	}
}

func TestFaceFromHitTieBreaks(t *testing.T) {
	center := mgl32.Vec3{0.5, 0.5, 0.5}
	cases := []struct {
		dir  mgl32.Vec3
		want Face
	}{
		{mgl32.Vec3{1, 1, 1}, FaceBack},    // all equal: Z
		{mgl32.Vec3{1, 1, 0}, FaceBottom},  // X == Y: Y
		{mgl32.Vec3{1, 0, 1}, FaceBack},    // X == Z: Z
		{mgl32.Vec3{0, -1, -1}, FaceFront}, // Y == Z: Z
		{mgl32.Vec3{-2, 1, 0}, FaceRight},
		{mgl32.Vec3{0, -1, 0}, FaceTop},
	}
	for _, tc := range cases {
		got, _ := FaceFromHit(center, tc.dir)
		if got != tc.want {
			t.Fatalf("dir %v: expected %v, got %v", tc.dir, tc.want, got)
		}
	}
}

func TestFaceFromHitBoundaryPoint(t *testing.T) {
	face, p := FaceFromHit(mgl32.Vec3{0.25, 0.75, 0.5}, mgl32.Vec3{0, -1, 0})
	if face != FaceTop {
		t.Fatalf("expected Top, got %v", face)
	}
	if p != (mgl32.Vec3{0.25, 1, 0.5}) {
		t.Fatalf("unexpected boundary point %v", p)
	}
	if f, _ := FaceFromHit(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{}); f != FaceNone {
		t.Fatalf("zero direction should give FaceNone, got %v", f)
	}
}
