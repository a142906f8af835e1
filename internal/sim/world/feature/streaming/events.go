package streaming

import (
	"time"

	"voxelstream.ai/internal/sim/world/terrain/store"
)

type EventKind string

const (
	EventRequest EventKind = "REQUEST"
	EventDrop    EventKind = "DROP"
)

// Event describes one column request or one chunk eviction.
type Event struct {
	Kind   EventKind   `json:"kind"`
	Key    int64       `json:"key"`
	Column int64       `json:"column"`
	Offset store.Vec3i `json:"offset"`
	At     time.Time   `json:"at"`
}

// EventSink receives scheduler events outside the scheduler lock. Implementations
// must not block for long.
type EventSink interface {
	StreamEvent(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) StreamEvent(ev Event) { f(ev) }

func emit(sinks []EventSink, ev Event) {
	for _, s := range sinks {
		s.StreamEvent(ev)
	}
}
