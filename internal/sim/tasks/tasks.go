package tasks

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Periodic runs fn every interval on its own goroutine until stopped. A panic in
// fn is recovered, logged and reported; the next tick still runs.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func()
	log      *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPeriodic(name string, interval time.Duration, fn func(), logger *log.Logger) *Periodic {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      logger,
	}
}

func (p *Periodic) Name() string            { return p.name }
func (p *Periodic) Interval() time.Duration { return p.interval }

// Start launches the loop bound to ctx. It returns false if already running.
func (p *Periodic) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(ctx, done)
	return true
}

// Stop cancels the loop and waits for an in-flight tick to finish. No tick runs
// after Stop returns.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		// Ticker and cancel can race in select; cancel wins.
		if ctx.Err() != nil {
			return
		}
		p.runOnce()
	}
}

func (p *Periodic) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Printf("warn: periodic %s panicked: %v", p.name, r)
			hub := sentry.CurrentHub().Clone()
			hub.Recover(fmt.Errorf("periodic %s: %v", p.name, r))
			hub.Flush(2 * time.Second)
		}
	}()
	p.fn()
}
