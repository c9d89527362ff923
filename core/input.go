package core

import (
	"context"
	"errors"
	"strings"

	"pkt.systems/termlink/schema"
)

// SendInput writes data to the session. Input is queued while the session
// is not started or while earlier queued input is still being written, so
// keystrokes reach the host in the order they were typed.
func (c *Coordinator) SendInput(ctx context.Context, key schema.SessionKey, data []byte) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	ctx = c.sessionContext(ctx, key)
	c.mu.Lock()
	s := c.sessions.ensure(key)
	s.pendingInput = append(s.pendingInput, data...)
	if !s.started || s.inputDraining {
		queued := len(s.pendingInput)
		c.unlock()
		c.logFor(key).Trace("terminal input queued", "bytes", len(data), "queued_bytes", queued)
		return nil
	}
	c.unlock()

	err := c.drainInput(ctx, s)
	if err == nil {
		return nil
	}
	c.mu.Lock()
	if c.current(s) {
		s.started = false
	}
	c.unlock()
	recoverable := isRecoverableWriteError(err)
	c.logFor(key).Warn("terminal input write failed", "err", err, "recoverable", recoverable)
	if recoverable {
		return c.Begin(ctx, key, true)
	}
	return nil
}

// drainInput writes queued input in FIFO order until the queue is empty.
// Only one drainer owns a session at a time; a caller that finds another
// owner returns and leaves the queue to it. A failed write puts its data
// back in front of anything queued meanwhile.
func (c *Coordinator) drainInput(ctx context.Context, s *terminalSession) error {
	key := s.key
	c.mu.Lock()
	if s.inputDraining {
		c.unlock()
		return nil
	}
	s.inputDraining = true
	c.unlock()
	for {
		c.mu.Lock()
		if !c.current(s) || !s.started || len(s.pendingInput) == 0 {
			s.inputDraining = false
			c.unlock()
			return nil
		}
		data := s.pendingInput
		s.pendingInput = nil
		c.unlock()

		err := c.backend.Write(ctx, key.WorkspaceID, key.TerminalID, data)

		if err != nil {
			c.mu.Lock()
			if c.current(s) {
				s.pendingInput = append(data, s.pendingInput...)
			}
			s.inputDraining = false
			c.unlock()
			return err
		}
	}
}

func isRecoverableWriteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, schema.ErrSessionNotFound) || errors.Is(err, schema.ErrTerminalNotStarted) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"session not found", "terminal not started", "terminal not found"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
