package core

import (
	"testing"
	"time"

	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/schema"
)

type flushHarness struct {
	f        *flushScheduler
	ticks    *manualTicks
	writable bool
	written  []string
	flushed  int
	dropped  int
}

func newFlushHarness(budget, backlog int) *flushHarness {
	h := &flushHarness{ticks: &manualTicks{}, writable: true}
	h.f = newFlushScheduler(budget, backlog)
	h.f.canWrite = func(schema.SessionKey) bool { return h.writable }
	h.f.write = func(_ schema.SessionKey, chunk outputChunk) { h.written = append(h.written, string(chunk.data)) }
	h.f.onFlushed = func(schema.SessionKey, outputChunk) { h.flushed++ }
	h.f.requestTick = h.ticks.RequestTick
	h.f.onBacklogDrop = func(_ schema.SessionKey, chunks, _ int) { h.dropped += chunks }
	return h
}

func TestFlushSchedulerRespectsBudgetAndRearms(t *testing.T) {
	h := newFlushHarness(8, 1024)
	for _, data := range []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"} {
		h.f.enqueue(testKey, outputChunk{data: []byte(data)})
	}
	if h.ticks.count() != 1 {
		t.Fatalf("expected one armed tick, got %d", h.ticks.count())
	}
	h.ticks.run()
	if len(h.written) != 2 {
		t.Fatalf("expected budgeted write of 2 chunks, got %v", h.written)
	}
	if h.ticks.count() != 1 {
		t.Fatalf("expected re-armed tick for remaining chunks")
	}
	h.ticks.drain()
	if len(h.written) != 5 || h.written[4] != "eeee" {
		t.Fatalf("expected all chunks in order, got %v", h.written)
	}
	if h.flushed != 5 || h.f.pendingBytes(testKey) != 0 {
		t.Fatalf("unexpected flush state: flushed=%d pending=%d", h.flushed, h.f.pendingBytes(testKey))
	}
}

func TestFlushSchedulerIgnoresStaleToken(t *testing.T) {
	h := newFlushHarness(1024, 4096)
	h.f.enqueue(testKey, outputChunk{data: []byte("x")})
	h.f.flush(testKey, false)
	if len(h.written) != 0 {
		t.Fatalf("expected unscheduled flush to be ignored while a tick is armed")
	}
	h.ticks.run()
	if len(h.written) != 1 {
		t.Fatalf("expected armed tick to write")
	}
}

func TestFlushSchedulerWaitsForWritableRenderer(t *testing.T) {
	h := newFlushHarness(1024, 4096)
	h.writable = false
	h.f.enqueue(testKey, outputChunk{data: []byte("x")})
	h.ticks.run()
	if len(h.written) != 0 || h.ticks.count() != 0 {
		t.Fatalf("expected no write and no re-arm while renderer is blocked")
	}
	h.writable = true
	h.f.kick(testKey)
	h.ticks.run()
	if len(h.written) != 1 {
		t.Fatalf("expected write after kick")
	}
}

func TestFlushSchedulerHalvesBacklog(t *testing.T) {
	h := newFlushHarness(4, 8)
	for _, data := range []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"} {
		h.f.enqueue(testKey, outputChunk{data: []byte(data)})
	}
	h.ticks.run()
	if h.dropped != 2 {
		t.Fatalf("expected 2 chunks trimmed, got %d", h.dropped)
	}
	h.ticks.drain()
	want := []string{"aaaa", "dddd", "eeee"}
	if len(h.written) != len(want) {
		t.Fatalf("expected %v, got %v", want, h.written)
	}
	for i := range want {
		if h.written[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, h.written)
		}
	}
}

func TestFlushSchedulerClearDropsArmedTick(t *testing.T) {
	h := newFlushHarness(1024, 4096)
	h.f.enqueue(testKey, outputChunk{data: []byte("x")})
	h.f.clear(testKey)
	h.ticks.run()
	if len(h.written) != 0 {
		t.Fatalf("expected cleared queue to write nothing")
	}
}

func TestFrameTickerCoalescesRequests(t *testing.T) {
	clk := clock.NewFake(reorderEpoch)
	ticker := NewFrameTicker(clk, 16*time.Millisecond)
	ran := 0
	ticker.RequestTick(func() { ran++ })
	ticker.RequestTick(func() { ran++ })
	if clk.Pending() != 1 {
		t.Fatalf("expected one frame timer, got %d", clk.Pending())
	}
	clk.Advance(15 * time.Millisecond)
	if ran != 0 {
		t.Fatalf("expected no tick before the frame interval")
	}
	clk.Advance(time.Millisecond)
	if ran != 2 {
		t.Fatalf("expected both callbacks, got %d", ran)
	}
	ticker.Stop()
	ticker.RequestTick(func() { ran++ })
	clk.Advance(time.Second)
	if ran != 2 {
		t.Fatalf("expected stopped ticker to ignore requests")
	}
}
