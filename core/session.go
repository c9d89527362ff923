package core

import (
	"sort"
	"sync/atomic"
	"time"

	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/schema"
)

// terminalSession is the per-key state. It is only touched with the
// coordinator lock held, except lastRendered.
type terminalSession struct {
	key schema.SessionKey

	status        schema.Status
	message       string
	health        schema.Health
	healthMessage string
	inputEnabled  bool

	started          bool
	startInFlight    bool
	bootstrapHandled bool
	replay           schema.ReplayState
	pendingReplay    []outputChunk
	pendingVisual    []schema.VisualEvent
	attached         bool
	mode             schema.TerminalMode
	initialCredit    int64
	creditGranted    bool

	pendingInput  []byte
	inputDraining bool
	ackPending    int64

	ackTimer             clock.Timer
	reorderTimer         clock.Timer
	startupTimer         clock.Timer
	fetchTimer           clock.Timer
	healthTimer          clock.Timer
	bootstrapHealthTimer clock.Timer

	initToken uint64
	stats     schema.DebugStats

	// lastRendered is the unix-nano time of the last renderer write
	// completion. Renderers may report completion from any goroutine.
	lastRendered atomic.Int64
}

func newTerminalSession(key schema.SessionKey) *terminalSession {
	return &terminalSession{
		key:    key,
		status: schema.StatusStandby,
		health: schema.HealthUnknown,
		replay: schema.ReplayIdle,
		mode:   schema.TerminalMode{MouseEncoding: schema.DefaultMouseEncoding},
	}
}

func (s *terminalSession) setStatus(status schema.Status, message string) {
	s.status = status
	s.message = message
}

func (s *terminalSession) setHealth(health schema.Health, message string) {
	s.health = health
	s.healthMessage = message
}

func (s *terminalSession) noteRendered(at time.Time) {
	s.lastRendered.Store(at.UnixNano())
}

func (s *terminalSession) renderedSince(at time.Time) bool {
	return s.lastRendered.Load() >= at.UnixNano()
}

func (s *terminalSession) stopTimers() {
	for _, slot := range []*clock.Timer{
		&s.ackTimer,
		&s.reorderTimer,
		&s.startupTimer,
		&s.fetchTimer,
		&s.healthTimer,
		&s.bootstrapHealthTimer,
	} {
		stopTimer(slot)
	}
}

func (s *terminalSession) pendingReplayBytes() int {
	return queuedBytes(s.pendingReplay)
}

func stopTimer(slot *clock.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// sessionStore owns every terminalSession plus the active workspace per
// terminal id, used to reject payloads for a workspace that is no longer
// shown.
type sessionStore struct {
	sessions map[schema.SessionKey]*terminalSession
	active   map[schema.TerminalID]schema.WorkspaceID
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[schema.SessionKey]*terminalSession),
		active:   make(map[schema.TerminalID]schema.WorkspaceID),
	}
}

func (st *sessionStore) get(key schema.SessionKey) *terminalSession {
	return st.sessions[key]
}

// ensure returns the session for key, creating it and making its workspace
// the active context for the terminal id.
func (st *sessionStore) ensure(key schema.SessionKey) *terminalSession {
	st.active[key.TerminalID] = key.WorkspaceID
	s := st.sessions[key]
	if s == nil {
		s = newTerminalSession(key)
		st.sessions[key] = s
	}
	return s
}

// activeWorkspace returns the workspace currently shown for the terminal id.
func (st *sessionStore) activeWorkspace(terminalID schema.TerminalID) (schema.WorkspaceID, bool) {
	ws, ok := st.active[terminalID]
	return ws, ok
}

func (st *sessionStore) remove(key schema.SessionKey) {
	delete(st.sessions, key)
	if ws, ok := st.active[key.TerminalID]; ok && ws == key.WorkspaceID {
		delete(st.active, key.TerminalID)
	}
}

func (st *sessionStore) keys() []schema.SessionKey {
	keys := make([]schema.SessionKey, 0, len(st.sessions))
	for key := range st.sessions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
