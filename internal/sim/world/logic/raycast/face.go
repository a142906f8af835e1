package raycast

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Face is a side of a block.
type Face int

const (
	FaceNone Face = iota
	FaceFront     // +Z
	FaceBack      // -Z
	FaceLeft      // -X
	FaceRight     // +X
	FaceTop       // +Y
	FaceBottom    // -Y
)

func (f Face) String() string {
	switch f {
	case FaceFront:
		return "Front"
	case FaceBack:
		return "Back"
	case FaceLeft:
		return "Left"
	case FaceRight:
		return "Right"
	case FaceTop:
		return "Top"
	case FaceBottom:
		return "Bottom"
	}
	return "None"
}

// Normal is the outward unit normal of the face.
func (f Face) Normal() [3]int {
	switch f {
	case FaceFront:
		return [3]int{0, 0, 1}
	case FaceBack:
		return [3]int{0, 0, -1}
	case FaceLeft:
		return [3]int{-1, 0, 0}
	case FaceRight:
		return [3]int{1, 0, 0}
	case FaceTop:
		return [3]int{0, 1, 0}
	case FaceBottom:
		return [3]int{0, -1, 0}
	}
	return [3]int{}
}

type axis int

const (
	axisX axis = iota
	axisY
	axisZ
)

// minAxis picks the axis with the smallest time. Ties resolve through the
// nested comparisons X<Y, then X<Z, else Y<Z, else Z.
func minAxis(tx, ty, tz float32) axis {
	if tx < ty {
		if tx < tz {
			return axisX
		}
		return axisZ
	}
	if ty < tz {
		return axisY
	}
	return axisZ
}

func component(v mgl32.Vec3, a axis) float32 {
	return v[a]
}

// entryFace is the face a ray moving along a (with sign of d) enters through.
func entryFace(a axis, d float32) Face {
	switch a {
	case axisX:
		if d > 0 {
			return FaceLeft
		}
		return FaceRight
	case axisY:
		if d > 0 {
			return FaceBottom
		}
		return FaceTop
	default:
		if d > 0 {
			return FaceBack
		}
		return FaceFront
	}
}

// FaceFromHit finds the face through which a ray travelling along dir entered
// the unit block containing local point p (components in [0,1]). It walks back
// from p to the 0 or 1 boundary of each axis and takes the nearest one. The
// returned point is that boundary crossing, in the same local space.
func FaceFromHit(p, dir mgl32.Vec3) (Face, mgl32.Vec3) {
	var t [3]float32
	for a := axisX; a <= axisZ; a++ {
		d := component(dir, a)
		switch {
		case d > 0:
			t[a] = component(p, a) / d
		case d < 0:
			t[a] = (1 - component(p, a)) / -d
		default:
			t[a] = math32.Inf(1)
		}
	}
	a := minAxis(t[0], t[1], t[2])
	if math32.IsInf(t[a], 1) {
		return FaceNone, p
	}
	d := component(dir, a)
	point := p.Sub(dir.Mul(t[a]))
	// Snap the struck axis onto the boundary to remove float drift.
	if d > 0 {
		point[a] = 0
	} else {
		point[a] = 1
	}
	return entryFace(a, d), point
}
