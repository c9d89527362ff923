package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/internal/persist"
	"pkt.systems/termlink/schema"
)

var testKey = schema.SessionKey{WorkspaceID: "ws", TerminalID: "term"}

type fakeBackend struct {
	mu sync.Mutex

	starts       int
	startErrs    []error
	startGate    chan struct{}
	startEntered chan struct{}

	writes     [][]byte
	writeErrs  []error
	writeGate  chan struct{}
	writeEnter chan struct{}

	acks      []int64
	resizes   [][2]int
	kills     int
	fetches   int
	bootstrap schema.BootstrapPayload
	fetchErr  error
	status    schema.TerminalStatus
	statusErr error
	available bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{available: true}
}

func (b *fakeBackend) Start(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID) error {
	b.mu.Lock()
	b.starts++
	var err error
	if len(b.startErrs) > 0 {
		err = b.startErrs[0]
		b.startErrs = b.startErrs[1:]
	}
	gate := b.startGate
	entered := b.startEntered
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (b *fakeBackend) Write(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID, data []byte) error {
	b.mu.Lock()
	gate := b.writeGate
	entered := b.writeEnter
	b.writeGate = nil
	b.writeEnter = nil
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writeErrs) > 0 {
		err := b.writeErrs[0]
		b.writeErrs = b.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	b.writes = append(b.writes, append([]byte(nil), data...))
	return nil
}

func (b *fakeBackend) Resize(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID, cols, rows int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizes = append(b.resizes, [2]int{cols, rows})
	return nil
}

func (b *fakeBackend) Kill(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kills++
	return nil
}

func (b *fakeBackend) Ack(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID, bytes int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, bytes)
	return nil
}

func (b *fakeBackend) FetchBootstrap(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID) (schema.BootstrapPayload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return schema.BootstrapPayload{}, b.fetchErr
	}
	payload := b.bootstrap
	payload.WorkspaceID = ws
	payload.TerminalID = term
	return payload, nil
}

func (b *fakeBackend) Status(ctx context.Context, ws schema.WorkspaceID, term schema.TerminalID) (schema.TerminalStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.statusErr
}

func (b *fakeBackend) Available(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available, nil
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *fakeBackend) writtenStrings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.writes))
	for _, w := range b.writes {
		out = append(out, string(w))
	}
	return out
}

func (b *fakeBackend) ackedBytes() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.acks...)
}

type fakeRenderer struct {
	mu           sync.Mutex
	blocked      bool
	holdWritten  bool
	writes       []string
	visual       []schema.VisualEvent
	redraws      int
	heldCallback []func()
}

func (r *fakeRenderer) CanWrite(key schema.SessionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.blocked
}

func (r *fakeRenderer) WriteChunk(key schema.SessionKey, data []byte, onWritten func()) {
	r.mu.Lock()
	r.writes = append(r.writes, string(data))
	hold := r.holdWritten
	if hold {
		r.heldCallback = append(r.heldCallback, onWritten)
	}
	r.mu.Unlock()
	if !hold {
		onWritten()
	}
}

func (r *fakeRenderer) ApplyVisualState(key schema.SessionKey, event schema.VisualEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visual = append(r.visual, event)
	return nil
}

func (r *fakeRenderer) Redraw(key schema.SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redraws++
}

func (r *fakeRenderer) written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

// manualTicks runs requested ticks only when the test asks for them.
type manualTicks struct {
	mu      sync.Mutex
	pending []func()
}

func (m *manualTicks) RequestTick(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

// run fires the ticks pending at call time and returns how many ran.
func (m *manualTicks) run() int {
	m.mu.Lock()
	fns := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// drain runs ticks until none are requested, up to a bound.
func (m *manualTicks) drain() {
	for i := 0; i < 64; i++ {
		if m.run() == 0 {
			return
		}
	}
}

func (m *manualTicks) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type fakeStore struct {
	mu      sync.Mutex
	records map[schema.SessionKey]persist.SessionRecord
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[schema.SessionKey]persist.SessionRecord)}
}

func (s *fakeStore) Session(key schema.SessionKey) (persist.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok, nil
}

func (s *fakeStore) SaveSession(record persist.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = record
	s.saves++
	return nil
}

type harness struct {
	c        *Coordinator
	backend  *fakeBackend
	renderer *fakeRenderer
	ticks    *manualTicks
	clock    *clock.Fake
	store    *fakeStore
	logs     *logCapture
	states   *stateRecorder
}

type stateRecorder struct {
	mu        sync.Mutex
	snapshots []schema.SessionSnapshot
	hook      func(schema.SessionSnapshot)
}

func (r *stateRecorder) OnSessionState(snapshot schema.SessionSnapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snapshot)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
}

// setHook runs fn after each recorded snapshot, outside the recorder lock.
func (r *stateRecorder) setHook(fn func(schema.SessionSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

func (r *stateRecorder) statuses() []schema.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Status, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		out = append(out, snap.Status)
	}
	return out
}

func newHarness(t *testing.T, cfg schema.StreamConfig) *harness {
	t.Helper()
	logs := newLogCapture(t)
	logger := pslog.NewWithOptions(logs, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.DebugLevel,
	})
	h := &harness{
		backend:  newFakeBackend(),
		renderer: &fakeRenderer{},
		ticks:    &manualTicks{},
		clock:    clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		store:    newFakeStore(),
		logs:     logs,
		states:   &stateRecorder{},
	}
	c, err := NewCoordinator(cfg, CoordinatorDeps{
		Backend:  h.backend,
		Renderer: h.renderer,
		Sink:     h.states,
		Store:    h.store,
		Ticks:    h.ticks,
		Clock:    h.clock,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.c = c
	t.Cleanup(c.Close)
	return h
}

func (h *harness) snapshot(t *testing.T) schema.SessionSnapshot {
	t.Helper()
	snap, ok := h.c.Snapshot(testKey)
	if !ok {
		t.Fatalf("expected session state for %s", testKey)
	}
	return snap
}

// waitAsync blocks until background backend calls have finished.
func (h *harness) waitAsync() {
	h.c.wg.Wait()
}

// goLive starts the session and completes an empty bootstrap so output
// flows straight to the renderer.
func (h *harness) goLive(t *testing.T) {
	t.Helper()
	if err := h.c.AttachTerminal(testKey); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := h.c.Begin(context.Background(), testKey, false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.c.HandleEvent(schema.StreamEvent{
		Topic:     schema.TopicBootstrap,
		Bootstrap: &schema.BootstrapPayload{WorkspaceID: testKey.WorkspaceID, TerminalID: testKey.TerminalID, SafeToReplay: false},
	})
	h.waitAsync()
	if snap := h.snapshot(t); snap.ReplayState != schema.ReplayLive {
		t.Fatalf("expected live replay state, got %s", snap.ReplayState)
	}
}

func outputEvent(key schema.SessionKey, seq int64, data string) schema.StreamEvent {
	return schema.StreamEvent{
		Topic:  schema.TopicOutput,
		Output: &schema.OutputPayload{WorkspaceID: key.WorkspaceID, TerminalID: key.TerminalID, Seq: seq, Data: []byte(data)},
	}
}

var errBoom = errors.New("boom")

type logEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	Raw     string
}

type logCapture struct {
	t     *testing.T
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
}

func newLogCapture(t *testing.T) *logCapture {
	t.Helper()
	return &logCapture{t: t}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.buf.Write(p)
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		c.lines = append(c.lines, string(data[:idx]))
		c.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (c *logCapture) Entries() []logEntry {
	c.mu.Lock()
	lines := append([]string(nil), c.lines...)
	c.mu.Unlock()
	entries := make([]logEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogEntry(line))
	}
	return entries
}

func (c *logCapture) count(message string) int {
	n := 0
	for _, entry := range c.Entries() {
		if entry.Message == message {
			n++
		}
	}
	return n
}

func parseLogEntry(line string) logEntry {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return logEntry{Raw: line}
	}
	level := ""
	if value, ok := payload["level"].(string); ok {
		level = value
	} else if value, ok := payload["lvl"].(string); ok {
		level = value
	}
	message := ""
	if value, ok := payload["message"].(string); ok {
		message = value
	} else if value, ok := payload["msg"].(string); ok {
		message = value
	}
	return logEntry{Level: level, Message: message, Fields: payload, Raw: line}
}
