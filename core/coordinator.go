package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/pslog"
	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/internal/logx"
	"pkt.systems/termlink/internal/persist"
	"pkt.systems/termlink/schema"
)

// Coordinator turns host events into one ordered, paced byte stream per
// session and drives the session lifecycle against a Backend.
//
// All session state is guarded by mu. Backend calls run with mu released;
// timer and tick callbacks re-acquire it. State notifications and store
// writes queued while mu is held are delivered by unlock after release.
type Coordinator struct {
	cfg         schema.StreamConfig
	backend     Backend
	renderer    Renderer
	visual      VisualStateRenderer
	redrawer    Redrawer
	sink        StateSink
	store       StateStore
	ticks       TickSource
	clock       clock.Clock
	log         pslog.Logger
	baseCtx     context.Context
	callTimeout time.Duration

	mu           sync.Mutex
	sessions     *sessionStore
	reorder      *reassembler
	backpressure *backpressureBuffer
	flush        *flushScheduler
	host         hostAvailability
	pendingEmits []schema.SessionSnapshot
	pendingSaves []persist.SessionRecord
	unsubscribe  []func()
	closed       bool

	fetchGroup singleflight.Group
	wg         sync.WaitGroup
}

type hostAvailability struct {
	checked   bool
	available bool
	checkedAt time.Time
}

// NewCoordinator constructs a Coordinator. Zero config fields take defaults.
func NewCoordinator(cfg schema.StreamConfig, deps CoordinatorDeps) (*Coordinator, error) {
	normalized, err := schema.NormalizeStreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, errors.New("coordinator backend is required")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ticks := deps.Ticks
	if ticks == nil {
		ticks = NewFrameTicker(clk, normalized.FrameInterval)
	}
	c := &Coordinator{
		cfg:          normalized,
		backend:      deps.Backend,
		renderer:     deps.Renderer,
		sink:         deps.Sink,
		store:        deps.Store,
		ticks:        ticks,
		clock:        clk,
		log:          logger,
		baseCtx:      baseCtx,
		callTimeout:  deps.CallTimeout,
		sessions:     newSessionStore(),
		reorder:      newReassembler(),
		backpressure: newBackpressureBuffer(normalized.BackpressureCapBytes),
		flush:        newFlushScheduler(normalized.FlushBudgetBytes, normalized.FlushBacklogLimit),
	}
	if visual, ok := deps.Renderer.(VisualStateRenderer); ok {
		c.visual = visual
	}
	if redrawer, ok := deps.Renderer.(Redrawer); ok {
		c.redrawer = redrawer
	}
	c.flush.canWrite = c.canWrite
	c.flush.write = c.writeChunk
	c.flush.onFlushed = c.onChunkFlushed
	c.flush.onBacklogDrop = c.onBacklogDrop
	c.flush.requestTick = func(fn func()) {
		c.ticks.RequestTick(func() {
			c.mu.Lock()
			fn()
			c.unlock()
		})
	}
	return c, nil
}

// Snapshot returns the state of a session without buffer contents.
func (c *Coordinator) Snapshot(key schema.SessionKey) (schema.SessionSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions.get(key)
	if s == nil {
		return schema.SessionSnapshot{}, false
	}
	return c.snapshotLocked(s), true
}

// Keys lists known sessions in stable order.
func (c *Coordinator) Keys() []schema.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.keys()
}

// AttachTerminal marks a renderer handle as present for key. Output held
// while detached is handed to the flush path and staged visual state applied.
func (c *Coordinator) AttachTerminal(key schema.SessionKey) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.unlock()
	s := c.sessions.ensure(key)
	c.attachLocked(s)
	return nil
}

func (c *Coordinator) attachLocked(s *terminalSession) {
	if s.attached {
		return
	}
	s.attached = true
	buffered := c.backpressure.drain(s.key)
	for _, chunk := range buffered {
		c.flush.enqueue(s.key, chunk)
	}
	c.flush.kick(s.key)
	if s.replay == schema.ReplayLive {
		c.applyPendingVisualLocked(s)
	}
	c.logFor(s.key).Debug("terminal attached", "buffered_chunks", len(buffered))
}

// DetachTerminal marks the renderer handle for key as gone. Later output is
// held in the backpressure buffer.
func (c *Coordinator) DetachTerminal(key schema.SessionKey) {
	c.mu.Lock()
	defer c.unlock()
	s := c.sessions.get(key)
	if s == nil || !s.attached {
		return
	}
	s.attached = false
	c.logFor(key).Debug("terminal detached")
}

// Dispose drops every trace of key. Events that arrive later are ignored.
func (c *Coordinator) Dispose(key schema.SessionKey) {
	c.mu.Lock()
	defer c.unlock()
	s := c.sessions.get(key)
	if s == nil {
		return
	}
	s.stopTimers()
	s.startInFlight = false
	s.bootstrapHandled = false
	c.reorder.reset(key)
	c.backpressure.clear(key)
	c.flush.clear(key)
	c.sessions.remove(key)
	c.logFor(key).Debug("terminal disposed")
}

// Close stops every timer, drops event subscriptions and waits for
// background backend calls.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for _, key := range c.sessions.keys() {
		c.sessions.get(key).stopTimers()
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	if ticker, ok := c.ticks.(*FrameTicker); ok {
		ticker.Stop()
	}
	c.wg.Wait()
}

// unlock releases mu and then delivers queued notifications and writes.
func (c *Coordinator) unlock() {
	emits := c.pendingEmits
	saves := c.pendingSaves
	c.pendingEmits = nil
	c.pendingSaves = nil
	c.mu.Unlock()
	if c.sink != nil {
		for _, snapshot := range emits {
			c.sink.OnSessionState(snapshot)
		}
	}
	if c.store != nil {
		for _, record := range saves {
			if err := c.store.SaveSession(record); err != nil {
				logx.WithKey(c.log, record.Key).Warn("terminal state save failed", "err", err)
			}
		}
	}
}

func (c *Coordinator) emitLocked(s *terminalSession) {
	c.pendingEmits = append(c.pendingEmits, c.snapshotLocked(s))
}

func (c *Coordinator) persistLocked(s *terminalSession) {
	if c.store == nil {
		return
	}
	c.pendingSaves = append(c.pendingSaves, persist.SessionRecord{
		Key:        s.key,
		LastActive: c.clock.Now().UTC(),
		Modes:      s.mode,
	})
}

func (c *Coordinator) snapshotLocked(s *terminalSession) schema.SessionSnapshot {
	return schema.SessionSnapshot{
		Key:           s.key,
		Status:        s.status,
		Message:       s.message,
		Health:        s.health,
		HealthMessage: s.healthMessage,
		InputEnabled:  s.inputEnabled,
		ReplayState:   s.replay,
		Mode:          s.mode,
		InitialCredit: s.initialCredit,
		Stats:         s.stats,
		Reorder:       c.reorder.snapshot(s.key),
	}
}

// current reports whether s is still the live session for its key.
func (c *Coordinator) current(s *terminalSession) bool {
	return c.sessions.get(s.key) == s
}

// schedule arms a timer stored in slot. The callback runs with mu held and
// only if the session and the timer are still current. Callers hold mu.
func (c *Coordinator) schedule(s *terminalSession, slot *clock.Timer, d time.Duration, fn func()) {
	stopTimer(slot)
	if c.closed {
		return
	}
	var t clock.Timer
	t = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.closed || !c.current(s) || *slot != t {
			return
		}
		*slot = nil
		fn()
	})
	*slot = t
}

// goAsync runs fn on a tracked goroutine with a context derived from the
// base context. Callers hold mu.
func (c *Coordinator) goAsync(key schema.SessionKey, fn func(ctx context.Context)) {
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := logx.ContextWithSessionLogger(c.baseCtx, c.log, key)
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
		fn(ctx)
	}()
}

func (c *Coordinator) logFor(key schema.SessionKey) pslog.Logger {
	return logx.WithKey(c.log, key)
}

func (c *Coordinator) sessionContext(ctx context.Context, key schema.SessionKey) context.Context {
	if ctx == nil {
		ctx = c.baseCtx
	}
	return logx.ContextWithSessionLogger(ctx, c.log, key)
}
