package main

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// walker moves a reference point along a fixed heading. It is read by the
// streaming scheduler's goroutines and advanced by the frame loop.
type walker struct {
	mu      sync.Mutex
	pos     mgl32.Vec3
	heading mgl32.Vec3
	speed   float32 // blocks per second
}

func newWalker(start, heading mgl32.Vec3, speed float32) *walker {
	if heading.Len() > 0 {
		heading = heading.Normalize()
	}
	return &walker{pos: start, heading: heading, speed: speed}
}

func (w *walker) Position() mgl32.Vec3 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

func (w *walker) Advance(dt time.Duration) mgl32.Vec3 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = w.pos.Add(w.heading.Mul(w.speed * float32(dt.Seconds())))
	return w.pos
}
