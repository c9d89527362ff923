package core

import (
	"sync"
	"time"

	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/schema"
)

// FrameTicker coalesces tick requests onto one timer per frame interval.
type FrameTicker struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	pending []func()
	timer   clock.Timer
	stopped bool
}

// NewFrameTicker returns a TickSource firing every interval while work is pending.
func NewFrameTicker(clk clock.Clock, interval time.Duration) *FrameTicker {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = schema.DefaultFrameInterval
	}
	return &FrameTicker{clock: clk, interval: interval}
}

// RequestTick schedules fn for the next frame.
func (t *FrameTicker) RequestTick(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.pending = append(t.pending, fn)
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.interval, t.fire)
	}
}

// Stop drops pending callbacks. Later requests are ignored.
func (t *FrameTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *FrameTicker) fire() {
	t.mu.Lock()
	fns := t.pending
	t.pending = nil
	t.timer = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
