package core

import (
	"context"

	"pkt.systems/termlink/schema"
)

const gapRecoveredMessage = "Output gap recovered; some output was lost."

func (c *Coordinator) handleOutputLocked(p schema.OutputPayload) {
	s, ok := c.resolveLocked(p.Key(), schema.TopicOutput)
	if !ok || len(p.Data) == 0 {
		return
	}
	log := c.logFor(s.key)
	now := c.clock.Now()
	s.stats.ChunksIn++
	s.stats.BytesIn += int64(len(p.Data))
	s.inputEnabled = true
	if s.status != schema.StatusReady {
		s.setStatus(schema.StatusReady, "")
		s.setHealth(schema.HealthOK, "Session active.")
		c.emitLocked(s)
	}
	data := append([]byte(nil), p.Data...)
	result := c.reorder.enqueue(s.key, streamChunk{seq: p.Seq, data: data, receivedAt: now})
	if result.droppedStale > 0 {
		s.stats.DroppedStale += int64(result.droppedStale)
		log.Trace("terminal output stale", "seq", p.Seq)
	}
	if result.droppedDuplicate > 0 {
		s.stats.DroppedDuplicate += int64(result.droppedDuplicate)
		log.Trace("terminal output duplicate", "seq", p.Seq)
	}
	if c.reorder.pendingOrdered(s.key) >= c.cfg.ForceFlushThreshold {
		stopTimer(&s.reorderTimer)
		c.consumeOrderedLocked(s, true, "threshold")
		return
	}
	if p.Seq <= 0 {
		c.consumeOrderedLocked(s, false, "unordered")
	}
	c.armReorderLocked(s)
}

func (c *Coordinator) armReorderLocked(s *terminalSession) {
	if s.reorderTimer != nil || c.reorder.pendingOrdered(s.key) == 0 {
		return
	}
	c.schedule(s, &s.reorderTimer, c.cfg.ReorderDelay, func() {
		c.reorderTickLocked(s)
	})
}

// reorderTickLocked releases what the reorder window allows and forces past
// a gap once the oldest held chunk has waited the gap timeout.
func (c *Coordinator) reorderTickLocked(s *terminalSession) {
	c.consumeOrderedLocked(s, false, "timer")
	if oldest, ok := c.reorder.oldestReceived(s.key); ok {
		if c.clock.Now().Sub(oldest) >= c.cfg.ReorderGapTimeout {
			c.consumeOrderedLocked(s, true, "gap_timeout")
		}
	}
	c.armReorderLocked(s)
}

func (c *Coordinator) consumeOrderedLocked(s *terminalSession, force bool, reason string) {
	result := c.reorder.consume(s.key, consumeOptions{
		force:  force,
		minAge: c.cfg.ReorderDelay,
		now:    c.clock.Now(),
	})
	if result.droppedStale > 0 {
		s.stats.DroppedStale += result.droppedStale
		s.stats.SkippedSeqs += result.droppedStale
		c.logFor(s.key).Warn("terminal output gap skipped",
			"skipped", result.droppedStale,
			"reason", reason,
			"last_delivered", c.reorder.snapshot(s.key).LastDeliveredSeq,
		)
		s.setHealth(schema.HealthOK, gapRecoveredMessage)
		c.emitLocked(s)
	}
	for _, chunk := range result.released {
		c.deliverLocked(s, outputChunk{data: chunk.data, seq: chunk.seq, ack: true})
	}
}

// deliverLocked routes an ordered live chunk: held while replaying, buffered
// while detached, otherwise queued for the renderer.
func (c *Coordinator) deliverLocked(s *terminalSession, chunk outputChunk) {
	if s.replay != schema.ReplayLive {
		s.pendingReplay = append(s.pendingReplay, chunk)
		return
	}
	if !s.attached {
		result := c.backpressure.bufferChunk(s.key, chunk)
		if result.droppedChunks > 0 {
			s.stats.BackpressureDrops += int64(result.droppedChunks)
			c.logFor(s.key).Debug("terminal output dropped",
				"reason", "buffer_limit",
				"dropped_chunks", result.droppedChunks,
				"dropped_bytes", result.droppedBytes,
				"buffered_bytes", result.bufferedBytes,
			)
		}
		return
	}
	c.flush.enqueue(s.key, chunk)
}

func (c *Coordinator) canWrite(key schema.SessionKey) bool {
	s := c.sessions.get(key)
	if s == nil || !s.attached || c.renderer == nil {
		return false
	}
	return c.renderer.CanWrite(key)
}

func (c *Coordinator) writeChunk(key schema.SessionKey, chunk outputChunk) {
	s := c.sessions.get(key)
	if s == nil || c.renderer == nil {
		return
	}
	clk := c.clock
	c.renderer.WriteChunk(key, chunk.data, func() {
		s.noteRendered(clk.Now())
	})
}

func (c *Coordinator) onChunkFlushed(key schema.SessionKey, chunk outputChunk) {
	s := c.sessions.get(key)
	if s == nil {
		return
	}
	s.stats.BytesOut += int64(len(chunk.data))
	s.stats.LastOutputAt = c.clock.Now().UTC()
	if chunk.ack {
		c.recordAckLocked(s, int64(len(chunk.data)))
	}
}

func (c *Coordinator) onBacklogDrop(key schema.SessionKey, chunks, bytes int) {
	s := c.sessions.get(key)
	if s == nil {
		return
	}
	s.stats.BacklogDrops += int64(chunks)
	c.logFor(key).Debug("terminal flush backlog trimmed", "dropped_chunks", chunks, "dropped_bytes", bytes)
}

func (c *Coordinator) recordAckLocked(s *terminalSession, bytes int64) {
	s.ackPending += bytes
	if s.ackPending >= c.cfg.AckBatchBytes {
		c.flushAckLocked(s)
		return
	}
	if s.ackTimer == nil {
		c.schedule(s, &s.ackTimer, c.cfg.AckFlushDelay, func() {
			c.flushAckLocked(s)
		})
	}
}

func (c *Coordinator) flushAckLocked(s *terminalSession) {
	stopTimer(&s.ackTimer)
	bytes := s.ackPending
	if bytes <= 0 {
		return
	}
	s.ackPending = 0
	key := s.key
	c.goAsync(key, func(ctx context.Context) {
		if err := c.backend.Ack(ctx, key.WorkspaceID, key.TerminalID, bytes); err != nil {
			c.logFor(key).Warn("terminal ack failed", "bytes", bytes, "err", err)
		}
	})
}

// grantInitialCreditLocked returns the initial stream credit once per
// connection. A failed grant may be retried on the next transition to live.
func (c *Coordinator) grantInitialCreditLocked(s *terminalSession) {
	if s.creditGranted {
		return
	}
	s.creditGranted = true
	credit := s.initialCredit
	if credit <= 0 {
		credit = c.cfg.InitialCredit
	}
	key := s.key
	c.goAsync(key, func(ctx context.Context) {
		err := c.backend.Ack(ctx, key.WorkspaceID, key.TerminalID, credit)
		if err == nil {
			c.logFor(key).Debug("terminal initial credit granted", "credit", credit)
			return
		}
		c.logFor(key).Warn("terminal initial credit failed", "credit", credit, "err", err)
		c.mu.Lock()
		if c.current(s) {
			s.creditGranted = false
		}
		c.unlock()
	})
}

// setReplayLocked moves the replay state machine. Going live releases held
// output behind the replay data already queued, applies staged visual state,
// grants the initial credit and flushes pending acks.
func (c *Coordinator) setReplayLocked(s *terminalSession, state schema.ReplayState) {
	s.replay = state
	if state != schema.ReplayLive {
		return
	}
	pending := s.pendingReplay
	s.pendingReplay = nil
	for _, chunk := range pending {
		if s.attached {
			c.flush.enqueue(s.key, chunk)
			continue
		}
		c.deliverLocked(s, chunk)
	}
	c.applyPendingVisualLocked(s)
	c.flush.flush(s.key, true)
	if c.redrawer != nil && s.attached {
		c.redrawer.Redraw(s.key)
	}
	c.grantInitialCreditLocked(s)
	c.flushAckLocked(s)
}

func (c *Coordinator) handleVisualLocked(p schema.VisualPayload) {
	s, ok := c.resolveLocked(p.Key(), schema.TopicVisual)
	if !ok {
		return
	}
	c.stageVisualLocked(s, p.Event)
}

func (c *Coordinator) stageVisualLocked(s *terminalSession, event schema.VisualEvent) {
	if c.visual == nil {
		c.logFor(s.key).Trace("terminal visual event ignored", "kind", event.Kind)
		return
	}
	if s.replay != schema.ReplayLive || !s.attached {
		s.pendingVisual = append(s.pendingVisual, event)
		return
	}
	c.applyVisualLocked(s, event)
}

func (c *Coordinator) applyPendingVisualLocked(s *terminalSession) {
	if c.visual == nil || !s.attached || len(s.pendingVisual) == 0 {
		return
	}
	events := s.pendingVisual
	s.pendingVisual = nil
	for _, event := range events {
		c.applyVisualLocked(s, event)
	}
}

func (c *Coordinator) applyVisualLocked(s *terminalSession, event schema.VisualEvent) {
	if err := c.visual.ApplyVisualState(s.key, event); err != nil {
		c.logFor(s.key).Warn("terminal visual apply failed", "kind", event.Kind, "err", err)
	}
}
