package schema

import "time"

// Topic names an event stream carried by the transport.
type Topic string

const (
	TopicOutput            Topic = "output"
	TopicBootstrap         Topic = "bootstrap"
	TopicBootstrapDone     Topic = "bootstrap-done"
	TopicLifecycle         Topic = "lifecycle"
	TopicModes             Topic = "modes"
	TopicVisual            Topic = "visual"
	TopicSessiondRestarted Topic = "sessiond-restarted"
)

// Topics lists every topic the coordinator listens to.
func Topics() []Topic {
	return []Topic{
		TopicOutput,
		TopicBootstrap,
		TopicBootstrapDone,
		TopicLifecycle,
		TopicModes,
		TopicVisual,
		TopicSessiondRestarted,
	}
}

// OutputPayload carries one chunk of PTY output. Seq 0 marks an unordered chunk.
type OutputPayload struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	TerminalID  TerminalID  `json:"terminal_id"`
	Seq         int64       `json:"seq,omitempty"`
	Data        []byte      `json:"data"`
}

// Key returns the session key addressed by the payload.
func (p OutputPayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// VisualEvent is an out-of-band visual-state update such as an inline image placement.
type VisualEvent struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// VisualSnapshot is the full visual state captured alongside a bootstrap.
type VisualSnapshot struct {
	Events []VisualEvent `json:"events"`
}

// BootstrapPayload seeds a (re)attaching client with session history.
type BootstrapPayload struct {
	WorkspaceID      WorkspaceID     `json:"workspace_id"`
	TerminalID       TerminalID      `json:"terminal_id"`
	Snapshot         []byte          `json:"snapshot,omitempty"`
	SnapshotSource   string          `json:"snapshot_source,omitempty"`
	Visual           *VisualSnapshot `json:"visual,omitempty"`
	Backlog          []byte          `json:"backlog,omitempty"`
	BacklogSource    string          `json:"backlog_source,omitempty"`
	BacklogTruncated bool            `json:"backlog_truncated,omitempty"`
	NextOffset       int64           `json:"next_offset,omitempty"`
	NextSeq          int64           `json:"next_seq,omitempty"`
	Source           string          `json:"source,omitempty"`
	AltScreen        bool            `json:"alt_screen,omitempty"`
	Mouse            bool            `json:"mouse,omitempty"`
	MouseSGR         bool            `json:"mouse_sgr,omitempty"`
	MouseEncoding    string          `json:"mouse_encoding,omitempty"`
	SafeToReplay     bool            `json:"safe_to_replay"`
	InitialCredit    int64           `json:"initial_credit,omitempty"`
}

// Key returns the session key addressed by the payload.
func (p BootstrapPayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// BootstrapDonePayload marks the end of a bootstrap replay.
type BootstrapDonePayload struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	TerminalID  TerminalID  `json:"terminal_id"`
}

// Key returns the session key addressed by the payload.
func (p BootstrapDonePayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// LifecycleStatus is reported by the host on session transitions.
type LifecycleStatus string

const (
	LifecycleStarted LifecycleStatus = "started"
	LifecycleClosed  LifecycleStatus = "closed"
	LifecycleError   LifecycleStatus = "error"
)

// LifecyclePayload reports a host-side session transition.
type LifecyclePayload struct {
	WorkspaceID WorkspaceID     `json:"workspace_id"`
	TerminalID  TerminalID      `json:"terminal_id"`
	Status      LifecycleStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
}

// Key returns the session key addressed by the payload.
func (p LifecyclePayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// ModesPayload reports private terminal mode changes.
type ModesPayload struct {
	WorkspaceID   WorkspaceID `json:"workspace_id"`
	TerminalID    TerminalID  `json:"terminal_id"`
	AltScreen     bool        `json:"alt_screen"`
	Mouse         bool        `json:"mouse"`
	MouseSGR      bool        `json:"mouse_sgr"`
	MouseEncoding string      `json:"mouse_encoding,omitempty"`
}

// Key returns the session key addressed by the payload.
func (p ModesPayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// Mode converts the payload into a terminal mode with defaults applied.
func (p ModesPayload) Mode() TerminalMode {
	encoding := p.MouseEncoding
	if encoding == "" {
		encoding = DefaultMouseEncoding
	}
	return TerminalMode{
		AltScreen:     p.AltScreen,
		Mouse:         p.Mouse,
		MouseSGR:      p.MouseSGR,
		MouseEncoding: encoding,
	}
}

// VisualPayload carries one visual-state event for a session.
type VisualPayload struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	TerminalID  TerminalID  `json:"terminal_id"`
	Event       VisualEvent `json:"event"`
}

// Key returns the session key addressed by the payload.
func (p VisualPayload) Key() SessionKey {
	return SessionKey{WorkspaceID: p.WorkspaceID, TerminalID: p.TerminalID}
}

// SessiondRestartedPayload reports that the host process was replaced.
type SessiondRestartedPayload struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// StreamEvent is one transport event. Exactly one payload is set and it matches Topic.
type StreamEvent struct {
	Topic         Topic                     `json:"topic"`
	Output        *OutputPayload            `json:"output,omitempty"`
	Bootstrap     *BootstrapPayload         `json:"bootstrap,omitempty"`
	BootstrapDone *BootstrapDonePayload     `json:"bootstrap_done,omitempty"`
	Lifecycle     *LifecyclePayload         `json:"lifecycle,omitempty"`
	Modes         *ModesPayload             `json:"modes,omitempty"`
	Visual        *VisualPayload            `json:"visual,omitempty"`
	Restarted     *SessiondRestartedPayload `json:"sessiond_restarted,omitempty"`
}

// Key returns the session addressed by the event. Host-wide events report false.
func (e StreamEvent) Key() (SessionKey, bool) {
	switch {
	case e.Output != nil:
		return e.Output.Key(), true
	case e.Bootstrap != nil:
		return e.Bootstrap.Key(), true
	case e.BootstrapDone != nil:
		return e.BootstrapDone.Key(), true
	case e.Lifecycle != nil:
		return e.Lifecycle.Key(), true
	case e.Modes != nil:
		return e.Modes.Key(), true
	case e.Visual != nil:
		return e.Visual.Key(), true
	default:
		return SessionKey{}, false
	}
}

// Valid reports whether the payload matching Topic is present.
func (e StreamEvent) Valid() bool {
	switch e.Topic {
	case TopicOutput:
		return e.Output != nil
	case TopicBootstrap:
		return e.Bootstrap != nil
	case TopicBootstrapDone:
		return e.BootstrapDone != nil
	case TopicLifecycle:
		return e.Lifecycle != nil
	case TopicModes:
		return e.Modes != nil
	case TopicVisual:
		return e.Visual != nil
	case TopicSessiondRestarted:
		return e.Restarted != nil
	default:
		return false
	}
}
