package core

import (
	"context"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/internal/persist"
	"pkt.systems/termlink/schema"
)

// Backend is the session host the coordinator drives.
type Backend interface {
	Start(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) error
	Write(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, data []byte) error
	Resize(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, cols, rows int) error
	Kill(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) error
	Ack(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, bytes int64) error
	FetchBootstrap(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) (schema.BootstrapPayload, error)
	Status(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) (schema.TerminalStatus, error)
	Available(ctx context.Context) (bool, error)
}

// Renderer is the drawing surface. Both methods are called with the
// coordinator lock held and must not call back into the coordinator
// synchronously, except for onWritten.
type Renderer interface {
	CanWrite(key schema.SessionKey) bool
	WriteChunk(key schema.SessionKey, data []byte, onWritten func())
}

// VisualStateRenderer is implemented by renderers that draw out-of-band
// visual state such as inline images.
type VisualStateRenderer interface {
	ApplyVisualState(key schema.SessionKey, event schema.VisualEvent) error
}

// Redrawer is implemented by renderers that can repaint after a replay.
type Redrawer interface {
	Redraw(key schema.SessionKey)
}

// StateSink receives a snapshot whenever session state changes.
type StateSink interface {
	OnSessionState(snapshot schema.SessionSnapshot)
}

// StateSinkFunc adapts a function to StateSink.
type StateSinkFunc func(schema.SessionSnapshot)

// OnSessionState calls f.
func (f StateSinkFunc) OnSessionState(snapshot schema.SessionSnapshot) {
	f(snapshot)
}

// StateStore persists per-session records across runs.
type StateStore interface {
	Session(key schema.SessionKey) (persist.SessionRecord, bool, error)
	SaveSession(record persist.SessionRecord) error
}

// TickSource paces flush cycles. Each RequestTick runs fn once, later.
type TickSource interface {
	RequestTick(fn func())
}

// CoordinatorDeps captures the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Backend  Backend
	Renderer Renderer
	Sink     StateSink
	Store    StateStore
	Ticks    TickSource
	Clock    clock.Clock
	Logger   pslog.Logger
	// BaseContext is used for background backend calls (acks, bootstrap
	// fetches, recoveries). It defaults to context.Background.
	BaseContext context.Context
	// CallTimeout bounds background backend calls. Zero means no bound.
	CallTimeout time.Duration
}
