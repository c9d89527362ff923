package core

import (
	"context"
	"time"

	"pkt.systems/termlink/schema"
)

const (
	backlogTruncatedMessage = "Backlog truncated; showing latest output."
	noOutputSinceReplay     = "No output since replay."
)

// HandleEvent applies one transport event. Events for unknown or disposed
// sessions are ignored.
func (c *Coordinator) HandleEvent(event schema.StreamEvent) {
	if !event.Valid() {
		c.log.Trace("terminal event ignored", "topic", event.Topic)
		return
	}
	if event.Topic == schema.TopicSessiondRestarted {
		c.mu.Lock()
		c.log.Info("terminal host restarted", "instance", event.Restarted.Instance)
		c.goAsync(schema.SessionKey{}, c.HandleSessiondRestarted)
		c.unlock()
		return
	}
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	switch event.Topic {
	case schema.TopicOutput:
		c.handleOutputLocked(*event.Output)
	case schema.TopicBootstrap:
		if s, ok := c.resolveLocked(event.Bootstrap.Key(), event.Topic); ok {
			c.handleBootstrapLocked(s, *event.Bootstrap, "event")
		}
	case schema.TopicBootstrapDone:
		if s, ok := c.resolveLocked(event.BootstrapDone.Key(), event.Topic); ok {
			c.handleBootstrapDoneLocked(s)
		}
	case schema.TopicLifecycle:
		c.handleLifecycleLocked(*event.Lifecycle)
	case schema.TopicModes:
		c.handleModesLocked(*event.Modes)
	case schema.TopicVisual:
		c.handleVisualLocked(*event.Visual)
	}
}

// resolveLocked maps a payload key to its session. A payload for a workspace
// other than the one active for the terminal id is logged and dropped.
func (c *Coordinator) resolveLocked(key schema.SessionKey, topic schema.Topic) (*terminalSession, bool) {
	if key.WorkspaceID == "" || key.TerminalID == "" {
		return nil, false
	}
	if active, ok := c.sessions.activeWorkspace(key.TerminalID); ok && active != key.WorkspaceID {
		c.log.Warn("terminal workspace mismatch",
			"topic", topic,
			"terminal", key.TerminalID,
			"payload_workspace", key.WorkspaceID,
			"context_workspace", active,
		)
		return nil, false
	}
	s := c.sessions.get(key)
	if s == nil {
		c.logFor(key).Trace("terminal event for unknown session", "topic", topic)
		return nil, false
	}
	return s, true
}

func (c *Coordinator) handleBootstrapLocked(s *terminalSession, p schema.BootstrapPayload, source string) {
	log := c.logFor(s.key)
	if s.bootstrapHandled {
		log.Debug("terminal bootstrap duplicate", "source", source)
		return
	}
	s.inputEnabled = true
	if p.AltScreen || p.Mouse || p.MouseSGR || p.MouseEncoding != "" {
		s.mode = schema.ModesPayload{
			AltScreen:     p.AltScreen,
			Mouse:         p.Mouse,
			MouseSGR:      p.MouseSGR,
			MouseEncoding: p.MouseEncoding,
		}.Mode()
		c.persistLocked(s)
	}
	if !p.SafeToReplay {
		s.bootstrapHandled = true
		stopTimer(&s.fetchTimer)
		c.setReplayLocked(s, schema.ReplayLive)
		log.Debug("terminal bootstrap live", "source", source)
		c.emitLocked(s)
		return
	}
	c.setReplayLocked(s, schema.ReplayReplaying)
	if p.NextSeq > 0 {
		c.reorder.advanceTo(s.key, p.NextSeq)
		kept := s.pendingReplay[:0]
		for _, chunk := range s.pendingReplay {
			if chunk.seq > 0 && chunk.seq < p.NextSeq {
				continue
			}
			kept = append(kept, chunk)
		}
		s.pendingReplay = kept
	}
	if len(p.Snapshot) > 0 {
		c.flush.enqueue(s.key, outputChunk{data: append([]byte(nil), p.Snapshot...)})
	}
	if len(p.Backlog) > 0 {
		c.flush.enqueue(s.key, outputChunk{data: append([]byte(nil), p.Backlog...)})
	}
	if p.Visual != nil {
		for _, event := range p.Visual.Events {
			if c.visual == nil {
				break
			}
			if s.attached {
				c.applyVisualLocked(s, event)
				continue
			}
			s.pendingVisual = append(s.pendingVisual, event)
		}
	}
	switch {
	case p.BacklogTruncated:
		s.setHealth(schema.HealthOK, backlogTruncatedMessage)
	case s.health == schema.HealthUnknown || s.health == schema.HealthChecking:
		s.setHealth(schema.HealthOK, "")
	}
	credit := p.InitialCredit
	if credit <= 0 {
		credit = c.cfg.InitialCredit
	}
	s.initialCredit = credit
	s.bootstrapHandled = true
	stopTimer(&s.fetchTimer)
	log.Debug("terminal bootstrap",
		"source", source,
		"snapshot_bytes", len(p.Snapshot),
		"backlog_bytes", len(p.Backlog),
		"backlog_source", p.BacklogSource,
		"backlog_truncated", p.BacklogTruncated,
		"next_seq", p.NextSeq,
		"initial_credit", credit,
	)
	c.emitLocked(s)
}

func (c *Coordinator) handleBootstrapDoneLocked(s *terminalSession) {
	replayBytes := c.flush.pendingBytes(s.key) + s.pendingReplayBytes()
	s.inputEnabled = true
	if s.status != schema.StatusReady {
		s.setStatus(schema.StatusReady, "")
	}
	c.scheduleBootstrapHealthLocked(s, replayBytes)
	c.setReplayLocked(s, schema.ReplayLive)
	c.logFor(s.key).Debug("terminal bootstrap done", "replay_bytes", replayBytes)
	c.emitLocked(s)
}

// bootstrapHealthDelay grows with the replayed volume: 1ms per KiB on top
// of the base, capped.
func (c *Coordinator) bootstrapHealthDelay(replayBytes int) time.Duration {
	delay := c.cfg.BootstrapHealthBase + time.Duration(replayBytes/1024)*time.Millisecond
	if delay > c.cfg.BootstrapHealthMax {
		delay = c.cfg.BootstrapHealthMax
	}
	return delay
}

func (c *Coordinator) scheduleBootstrapHealthLocked(s *terminalSession, replayBytes int) {
	if replayBytes <= 0 || !s.attached || s.bootstrapHealthTimer != nil {
		return
	}
	scheduledAt := c.clock.Now()
	c.schedule(s, &s.bootstrapHealthTimer, c.bootstrapHealthDelay(replayBytes), func() {
		if s.renderedSince(scheduledAt) {
			return
		}
		c.logFor(s.key).Debug("terminal render stalled after replay", "replay_bytes", replayBytes)
		if c.redrawer != nil && s.attached {
			c.redrawer.Redraw(s.key)
		}
		s.setHealth(schema.HealthStale, noOutputSinceReplay)
		c.emitLocked(s)
	})
}

// scheduleBootstrapFetchLocked arms the fallback fetch used when no bootstrap
// event arrives after a start.
func (c *Coordinator) scheduleBootstrapFetchLocked(s *terminalSession) {
	if s.bootstrapHandled {
		return
	}
	c.schedule(s, &s.fetchTimer, c.cfg.BootstrapFetchDelay, func() {
		if s.bootstrapHandled {
			return
		}
		c.goAsync(s.key, func(ctx context.Context) {
			c.fetchBootstrap(ctx, s, "bootstrap_timeout")
		})
	})
}

// fetchBootstrap pulls bootstrap state from the backend. Concurrent fetches
// for one key share a single backend call.
func (c *Coordinator) fetchBootstrap(ctx context.Context, s *terminalSession, reason string) {
	key := s.key
	_, err, _ := c.fetchGroup.Do(key.String(), func() (any, error) {
		payload, err := c.backend.FetchBootstrap(ctx, key.WorkspaceID, key.TerminalID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.unlock()
		if !c.current(s) || s.bootstrapHandled {
			return nil, nil
		}
		c.handleBootstrapLocked(s, payload, "fetch")
		c.handleBootstrapDoneLocked(s)
		c.logFor(key).Debug("terminal bootstrap fetch", "reason", reason)
		return nil, nil
	})
	if err == nil {
		return
	}
	c.logFor(key).Warn("terminal bootstrap fetch failed", "reason", reason, "err", err)
	c.mu.Lock()
	defer c.unlock()
	if c.current(s) && !s.bootstrapHandled && s.replay != schema.ReplayLive {
		c.setReplayLocked(s, schema.ReplayLive)
		c.emitLocked(s)
	}
}

func (c *Coordinator) handleLifecycleLocked(p schema.LifecyclePayload) {
	s, ok := c.resolveLocked(p.Key(), schema.TopicLifecycle)
	if !ok {
		return
	}
	log := c.logFor(s.key)
	switch p.Status {
	case schema.LifecycleStarted:
		s.started = true
		s.inputEnabled = true
		s.setStatus(schema.StatusReady, "")
		s.setHealth(schema.HealthOK, "")
		c.scheduleBootstrapFetchLocked(s)
		log.Debug("terminal lifecycle started")
	case schema.LifecycleClosed:
		s.started = false
		s.inputEnabled = false
		s.setStatus(schema.StatusStandby, "Session closed.")
		s.setHealth(schema.HealthUnknown, "")
		log.Info("terminal lifecycle closed", "message", p.Message)
	case schema.LifecycleError:
		s.setStatus(schema.StatusError, p.Message)
		s.setHealth(schema.HealthStale, p.Message)
		log.Warn("terminal lifecycle error", "message", p.Message)
	default:
		log.Trace("terminal lifecycle ignored", "status", p.Status)
		return
	}
	c.emitLocked(s)
}

func (c *Coordinator) handleModesLocked(p schema.ModesPayload) {
	s, ok := c.resolveLocked(p.Key(), schema.TopicModes)
	if !ok {
		return
	}
	mode := p.Mode()
	if mode == s.mode {
		return
	}
	s.mode = mode
	c.logFor(s.key).Debug("terminal modes",
		"alt_screen", mode.AltScreen,
		"mouse", mode.Mouse,
		"mouse_sgr", mode.MouseSGR,
		"mouse_encoding", mode.MouseEncoding,
	)
	c.persistLocked(s)
	c.emitLocked(s)
}
