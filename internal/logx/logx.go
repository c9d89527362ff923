package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

type contextKey int

const (
	sessionKeyMarker contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the context logger with the session key unless the
// context already carries the same key.
func WithSession(ctx context.Context, key schema.SessionKey) pslog.Logger {
	log := pslog.Ctx(ctx)
	if key.IsZero() {
		return log
	}
	if current, ok := ctx.Value(sessionKeyMarker).(schema.SessionKey); ok && current == key {
		return log
	}
	return WithKey(log, key)
}

// WithKey annotates the logger with workspace and terminal fields.
func WithKey(log pslog.Logger, key schema.SessionKey) pslog.Logger {
	if key.WorkspaceID != "" {
		log = log.With("workspace", key.WorkspaceID)
	}
	if key.TerminalID != "" {
		log = log.With("terminal", key.TerminalID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, key schema.SessionKey) context.Context {
	if ctx == nil || key.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, sessionKeyMarker, key)
}

// ContextWithSessionLogger attaches a key-annotated logger and the session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, key schema.SessionKey) context.Context {
	ctx = pslog.ContextWithLogger(ctx, WithKey(log, key))
	return ContextWithSession(ctx, key)
}
