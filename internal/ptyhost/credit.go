package ptyhost

import (
	"sync"
	"time"

	"pkt.systems/termlink/internal/clock"
)

// creditGate paces output against client acks. It stays open until the
// first ack arrives, so clients that never ack are not throttled.
type creditGate struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	enabled bool
	credit  int64
	signal  chan struct{}
	done    chan struct{}
	closed  bool
}

func newCreditGate(c clock.Clock, timeout time.Duration) *creditGate {
	if c == nil {
		c = clock.Real()
	}
	return &creditGate{
		clock:   c,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (g *creditGate) add(n int64) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.enabled = true
	g.credit += n
	g.mu.Unlock()
	g.notify()
}

func (g *creditGate) notify() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// take consumes need bytes of credit. It returns false when the wait timed
// out or the gate closed; callers send the output regardless.
func (g *creditGate) take(need int64) bool {
	if need <= 0 {
		return true
	}
	var expired chan struct{}
	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return false
		}
		if !g.enabled {
			g.mu.Unlock()
			return true
		}
		if g.credit >= need {
			g.credit -= need
			g.mu.Unlock()
			return true
		}
		g.mu.Unlock()
		if timer == nil && g.timeout > 0 {
			expired = make(chan struct{})
			timer = g.clock.AfterFunc(g.timeout, func() { close(expired) })
		}
		select {
		case <-g.signal:
		case <-g.done:
			return false
		case <-expired:
			g.mu.Lock()
			g.credit = 0
			g.mu.Unlock()
			return false
		}
	}
}

func (g *creditGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.done)
}
