package core

import (
	"context"
	"fmt"

	"pkt.systems/termlink/schema"
)

const (
	waitingForShellMessage = "Waiting for shell output…"
	startupTimedOutMessage = "Terminal startup timed out."
	startFailedMessage     = "Failed to start terminal."
	sessionResumedMessage  = "Session resumed."
	sessionClosedMessage   = "Session closed."
	checkingHealthMessage  = "Checking session health…"
	sessionInactiveMessage = "Session not active."
)

// InitOptions configures InitTerminal.
type InitOptions struct {
	// EnsureListeners registers transport listeners before the session is
	// probed. It is called on every init and must be idempotent.
	EnsureListeners func() error
}

// Begin starts or reasserts the session for key. At most one start per key
// is in flight; concurrent calls return immediately. Quiet calls leave the
// visible status alone and skip sessions that are already started.
// Backend failures are reported through session state, not returned.
func (c *Coordinator) Begin(ctx context.Context, key schema.SessionKey, quiet bool) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	ctx = c.sessionContext(ctx, key)
	log := c.logFor(key)

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil
	}
	s := c.sessions.ensure(key)
	if s.startInFlight {
		log.Debug("terminal start skipped", "reason", "in_flight")
		c.unlock()
		return nil
	}
	if s.started && quiet {
		log.Debug("terminal start skipped", "reason", "started")
		c.unlock()
		return nil
	}
	s.startInFlight = true
	reassert := s.started
	c.unlock()

	if reassert {
		err := c.backend.Start(ctx, key.WorkspaceID, key.TerminalID)
		c.mu.Lock()
		if !c.current(s) {
			c.unlock()
			return nil
		}
		if err == nil {
			s.startInFlight = false
			s.inputEnabled = true
			s.setStatus(schema.StatusReady, "")
			s.setHealth(schema.HealthOK, sessionResumedMessage)
			c.emitLocked(s)
			c.unlock()
			log.Info("terminal start reasserted")
			return nil
		}
		log.Warn("terminal reassert failed", "err", err)
		s.started = false
		c.unlock()
	}

	c.mu.Lock()
	if !c.current(s) {
		c.unlock()
		return nil
	}
	c.resetTransientLocked(s)
	if !quiet {
		s.setStatus(schema.StatusStarting, waitingForShellMessage)
		s.setHealth(schema.HealthUnknown, "")
		s.inputEnabled = false
		c.schedule(s, &s.startupTimer, c.cfg.StartupTimeout, func() {
			c.startupTimedOutLocked(s)
		})
		c.emitLocked(s)
	}
	c.unlock()
	log.Info("terminal start begin", "quiet", quiet)

	err := c.backend.Start(ctx, key.WorkspaceID, key.TerminalID)

	c.mu.Lock()
	if !c.current(s) {
		c.unlock()
		return nil
	}
	if err != nil {
		s.setStatus(schema.StatusError, err.Error())
		s.setHealth(schema.HealthStale, startFailedMessage)
		dropped := len(s.pendingInput)
		s.pendingInput = nil
		c.writeStartFailureLocked(s, err)
		c.finishStartLocked(s)
		c.emitLocked(s)
		c.unlock()
		log.Warn("terminal start failed", "err", err, "dropped_input_bytes", dropped)
		return nil
	}
	s.started = true
	s.inputEnabled = true
	s.setStatus(schema.StatusReady, "")
	s.setHealth(schema.HealthOK, "")
	c.persistLocked(s)
	c.emitLocked(s)
	c.unlock()
	log.Info("terminal start ok")

	if err := c.drainInput(ctx, s); err != nil {
		log.Warn("terminal queued input flush failed", "err", err)
	}

	c.mu.Lock()
	if c.current(s) {
		c.scheduleBootstrapFetchLocked(s)
		c.finishStartLocked(s)
	}
	c.unlock()
	return nil
}

func (c *Coordinator) finishStartLocked(s *terminalSession) {
	s.startInFlight = false
	stopTimer(&s.startupTimer)
}

func (c *Coordinator) startupTimedOutLocked(s *terminalSession) {
	if s.started {
		return
	}
	s.setStatus(schema.StatusError, startupTimedOutMessage)
	s.setHealth(schema.HealthStale, startupTimedOutMessage)
	s.pendingInput = nil
	c.logFor(s.key).Warn("terminal startup timed out", "timeout", c.cfg.StartupTimeout)
	c.emitLocked(s)
}

// resetTransientLocked clears stream state before a fresh start. The replay
// gate closes until the next bootstrap.
func (c *Coordinator) resetTransientLocked(s *terminalSession) {
	c.reorder.reset(s.key)
	c.backpressure.clear(s.key)
	c.flush.clear(s.key)
	stopTimer(&s.reorderTimer)
	stopTimer(&s.ackTimer)
	stopTimer(&s.fetchTimer)
	stopTimer(&s.bootstrapHealthTimer)
	s.pendingReplay = nil
	s.pendingVisual = nil
	s.ackPending = 0
	s.initialCredit = 0
	s.creditGranted = false
	s.bootstrapHandled = false
	s.replay = schema.ReplayReplaying
}

func (c *Coordinator) writeStartFailureLocked(s *terminalSession, err error) {
	line := fmt.Sprintf("\r\n[termlink] failed to start terminal: %v\r\n", err)
	c.flush.enqueue(s.key, outputChunk{data: []byte(line)})
}

// EnsureSessionActive adopts a session the host already runs. It does
// nothing while a start is in flight, when the key is started, or when the
// host is known to be unavailable.
func (c *Coordinator) EnsureSessionActive(ctx context.Context, key schema.SessionKey) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	ctx = c.sessionContext(ctx, key)
	c.mu.Lock()
	s := c.sessions.ensure(key)
	busy := s.started || s.startInFlight
	c.unlock()
	if busy {
		return nil
	}
	if !c.refreshAvailability(ctx) {
		return nil
	}
	status, err := c.backend.Status(ctx, key.WorkspaceID, key.TerminalID)
	if err != nil {
		c.logFor(key).Debug("terminal status probe failed", "err", err)
		return nil
	}
	if !status.Active {
		return nil
	}
	c.mu.Lock()
	defer c.unlock()
	if !c.current(s) || s.started || s.startInFlight {
		return nil
	}
	s.started = true
	s.inputEnabled = true
	s.setStatus(schema.StatusReady, "")
	s.setHealth(schema.HealthOK, sessionResumedMessage)
	c.scheduleBootstrapFetchLocked(s)
	c.emitLocked(s)
	c.logFor(key).Info("terminal session adopted")
	return nil
}

// EnsureStream makes sure output is flowing for a key that is not started.
func (c *Coordinator) EnsureStream(ctx context.Context, key schema.SessionKey) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	started := false
	if s := c.sessions.get(key); s != nil {
		started = s.started
	}
	c.unlock()
	if started {
		return nil
	}
	return c.EnsureSessionActive(ctx, key)
}

// InitTerminal prepares a session view: listeners, renderer handle, persisted
// modes and a resume when the host already runs the session. An init that is
// superseded by a later one for the same key leaves state alone.
func (c *Coordinator) InitTerminal(ctx context.Context, key schema.SessionKey, opts InitOptions) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	ctx = c.sessionContext(ctx, key)
	log := c.logFor(key)

	c.mu.Lock()
	s := c.sessions.ensure(key)
	s.initToken++
	token := s.initToken
	c.unlock()

	if opts.EnsureListeners != nil {
		if err := opts.EnsureListeners(); err != nil {
			log.Warn("terminal listeners failed", "err", err)
		}
	}
	available := c.refreshAvailability(ctx)
	restored, hasRecord := c.loadRecord(key)

	c.mu.Lock()
	if !c.current(s) {
		c.unlock()
		return nil
	}
	c.attachLocked(s)
	if hasRecord && s.mode == (schema.TerminalMode{MouseEncoding: schema.DefaultMouseEncoding}) {
		s.mode = restored
	}
	c.unlock()

	resumed := false
	if available {
		status, err := c.backend.Status(ctx, key.WorkspaceID, key.TerminalID)
		if err != nil {
			log.Debug("terminal status probe failed", "err", err)
		}
		resumed = err == nil && status.Active
	}
	if resumed {
		if err := c.Begin(ctx, key, true); err != nil {
			return err
		}
		c.mu.Lock()
		defer c.unlock()
		if !c.current(s) {
			return nil
		}
		s.inputEnabled = true
		s.setStatus(schema.StatusReady, "")
		s.setHealth(schema.HealthOK, sessionResumedMessage)
		c.emitLocked(s)
		log.Info("terminal init resumed")
		return nil
	}

	c.mu.Lock()
	defer c.unlock()
	if !c.current(s) || s.initToken != token {
		return nil
	}
	stopTimer(&s.healthTimer)
	if !s.started && !s.startInFlight {
		s.setStatus(schema.StatusStandby, "")
		s.setHealth(schema.HealthUnknown, "")
		s.inputEnabled = false
		c.emitLocked(s)
	}
	log.Debug("terminal init standby")
	return nil
}

// HandleSessiondRestarted restarts every known session quietly after the
// host process was replaced.
func (c *Coordinator) HandleSessiondRestarted(ctx context.Context) {
	c.mu.Lock()
	c.host = hostAvailability{}
	c.unlock()
	if !c.refreshAvailability(ctx) {
		c.log.Warn("terminal host unavailable after restart")
		return
	}
	for _, key := range c.Keys() {
		c.mu.Lock()
		s := c.sessions.get(key)
		if s == nil {
			c.unlock()
			continue
		}
		s.started = false
		s.startInFlight = false
		c.resetTransientLocked(s)
		c.unlock()
		if err := c.Begin(ctx, key, true); err != nil {
			c.logFor(key).Warn("terminal restart begin failed", "err", err)
		}
	}
}

// RequestHealthCheck marks key as checking and, after the check delay,
// stale unless the session is started.
func (c *Coordinator) RequestHealthCheck(key schema.SessionKey) {
	c.mu.Lock()
	defer c.unlock()
	s := c.sessions.get(key)
	if s == nil {
		return
	}
	s.setHealth(schema.HealthChecking, checkingHealthMessage)
	c.emitLocked(s)
	c.schedule(s, &s.healthTimer, c.cfg.HealthCheckDelay, func() {
		if !s.started {
			s.setHealth(schema.HealthStale, sessionInactiveMessage)
		} else if s.health == schema.HealthChecking {
			s.setHealth(schema.HealthOK, "")
		}
		c.emitLocked(s)
	})
}

// Resize forwards a size change to the host.
func (c *Coordinator) Resize(ctx context.Context, key schema.SessionKey, cols, rows int) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("%w: terminal size %dx%d", schema.ErrInvalidRequest, cols, rows)
	}
	ctx = c.sessionContext(ctx, key)
	if err := c.backend.Resize(ctx, key.WorkspaceID, key.TerminalID, cols, rows); err != nil {
		c.logFor(key).Warn("terminal resize failed", "cols", cols, "rows", rows, "err", err)
	}
	return nil
}

// Kill stops the host session and parks the key in standby.
func (c *Coordinator) Kill(ctx context.Context, key schema.SessionKey) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	ctx = c.sessionContext(ctx, key)
	if err := c.backend.Kill(ctx, key.WorkspaceID, key.TerminalID); err != nil {
		c.logFor(key).Warn("terminal kill failed", "err", err)
		return nil
	}
	c.mu.Lock()
	defer c.unlock()
	s := c.sessions.get(key)
	if s == nil {
		return nil
	}
	s.started = false
	s.inputEnabled = false
	s.pendingInput = nil
	stopTimer(&s.fetchTimer)
	s.setStatus(schema.StatusStandby, sessionClosedMessage)
	s.setHealth(schema.HealthUnknown, "")
	c.emitLocked(s)
	c.logFor(key).Info("terminal killed")
	return nil
}

// refreshAvailability probes the host unless a recent result is cached.
func (c *Coordinator) refreshAvailability(ctx context.Context) bool {
	c.mu.Lock()
	if c.host.checked && c.clock.Now().Sub(c.host.checkedAt) < c.cfg.AvailabilityCacheTTL {
		available := c.host.available
		c.unlock()
		return available
	}
	c.unlock()
	available, err := c.backend.Available(ctx)
	if err != nil {
		c.log.Debug("terminal host probe failed", "err", err)
		available = false
	}
	c.mu.Lock()
	c.host = hostAvailability{checked: true, available: available, checkedAt: c.clock.Now()}
	c.unlock()
	return available
}

func (c *Coordinator) loadRecord(key schema.SessionKey) (schema.TerminalMode, bool) {
	if c.store == nil {
		return schema.TerminalMode{}, false
	}
	record, ok, err := c.store.Session(key)
	if err != nil {
		c.logFor(key).Warn("terminal state load failed", "err", err)
		return schema.TerminalMode{}, false
	}
	if !ok {
		return schema.TerminalMode{}, false
	}
	mode := record.Modes
	mode.MouseEncoding = schema.NormalizeMouseEncoding(mode.MouseEncoding)
	return mode, true
}
