package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicStopsDeterministically(t *testing.T) {
	var n atomic.Int64
	p := NewPeriodic("test", time.Millisecond, func() { n.Add(1) }, nil)
	if !p.Start(context.Background()) {
		t.Fatalf("expected start")
	}
	if p.Start(context.Background()) {
		t.Fatalf("second start should be rejected")
	}
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Stop()
	after := n.Load()
	if after < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", after)
	}
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Fatalf("tick ran after Stop returned")
	}
	if p.Running() {
		t.Fatalf("expected stopped")
	}
	p.Stop()
}

func TestPeriodicSurvivesPanic(t *testing.T) {
	var n atomic.Int64
	p := NewPeriodic("panicky", time.Millisecond, func() {
		if n.Add(1) == 1 {
			panic("boom")
		}
	}, nil)
	p.Start(context.Background())
	defer p.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatalf("loop did not continue after panic")
	}
}

func TestPeriodicStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPeriodic("ctx", time.Millisecond, func() {}, nil)
	p.Start(ctx)
	cancel()
	p.Stop()
}
