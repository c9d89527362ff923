package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"pkt.systems/termlink/schema"
)

func TestSendInputQueuesUntilStarted(t *testing.T) {
	h := newHarness(t, schema.StreamConfig{})
	for _, data := range []string{"a", "b"} {
		if err := h.c.SendInput(t.Context(), testKey, []byte(data)); err != nil {
			t.Fatalf("send input: %v", err)
		}
	}
	if got := h.backend.writtenStrings(); len(got) != 0 {
		t.Fatalf("expected input held before start, got %q", got)
	}
	if err := h.c.Begin(t.Context(), testKey, false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.c.SendInput(t.Context(), testKey, []byte("c")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	got := h.backend.writtenStrings()
	if len(got) != 2 || got[0] != "ab" || got[1] != "c" {
		t.Fatalf("expected queued input flushed first, got %q", got)
	}
}

func TestSendInputKeepsOrderWhileDraining(t *testing.T) {
	h := newHarness(t, schema.StreamConfig{})
	h.goLive(t)
	h.backend.mu.Lock()
	h.backend.writeGate = make(chan struct{})
	h.backend.writeEnter = make(chan struct{}, 1)
	gate, entered := h.backend.writeGate, h.backend.writeEnter
	h.backend.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.c.SendInput(context.Background(), testKey, []byte("d"))
	}()
	<-entered
	if err := h.c.SendInput(t.Context(), testKey, []byte("e")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	close(gate)
	wg.Wait()
	got := h.backend.writtenStrings()
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("expected d before e, got %q", got)
	}
}

func TestSendInputQueuedBeforeStartWinsOverConcurrentDrain(t *testing.T) {
	h := newHarness(t, schema.StreamConfig{})
	if err := h.c.SendInput(t.Context(), testKey, []byte("a")); err != nil {
		t.Fatalf("send input: %v", err)
	}

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	var wg sync.WaitGroup
	var once sync.Once
	h.states.setHook(func(snapshot schema.SessionSnapshot) {
		if snapshot.Status != schema.StatusReady {
			return
		}
		once.Do(func() {
			h.backend.mu.Lock()
			h.backend.writeGate = gate
			h.backend.writeEnter = entered
			h.backend.mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.c.SendInput(context.Background(), testKey, []byte("b"))
			}()
			<-entered
		})
	})

	if err := h.c.Begin(t.Context(), testKey, false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.c.SendInput(t.Context(), testKey, []byte("c")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	close(gate)
	wg.Wait()

	got := h.backend.writtenStrings()
	if len(got) != 2 || got[0] != "ab" || got[1] != "c" {
		t.Fatalf("expected queued input written before later input, got %q", got)
	}
}

func TestSendInputRestartsOnRecoverableError(t *testing.T) {
	h := newHarness(t, schema.StreamConfig{})
	h.goLive(t)
	h.backend.mu.Lock()
	h.backend.writeErrs = []error{fmt.Errorf("write: %w", schema.ErrSessionNotFound)}
	h.backend.mu.Unlock()
	if err := h.c.SendInput(t.Context(), testKey, []byte("x")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if got := h.backend.startCount(); got != 2 {
		t.Fatalf("expected quiet restart, got %d starts", got)
	}
	if got := h.backend.writtenStrings(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected input retried after restart, got %q", got)
	}
}

func TestSendInputKeepsDataOnFatalError(t *testing.T) {
	h := newHarness(t, schema.StreamConfig{})
	h.goLive(t)
	h.backend.mu.Lock()
	h.backend.writeErrs = []error{errBoom}
	h.backend.mu.Unlock()
	if err := h.c.SendInput(t.Context(), testKey, []byte("x")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if got := h.backend.startCount(); got != 1 {
		t.Fatalf("expected no restart for fatal error, got %d starts", got)
	}
	if n := h.logs.count("terminal input write failed"); n != 1 {
		t.Fatalf("expected write failure log, got %d", n)
	}
}

func TestIsRecoverableWriteError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{schema.ErrTerminalNotStarted, true},
		{fmt.Errorf("host said: Terminal not found"), true},
		{errBoom, false},
	}
	for _, tc := range cases {
		if got := isRecoverableWriteError(tc.err); got != tc.want {
			t.Fatalf("isRecoverableWriteError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
