package schema

import (
	"fmt"
	"time"
)

// WorkspaceID identifies a workspace that owns terminals.
type WorkspaceID string

// TerminalID identifies a terminal within a workspace.
type TerminalID string

// SessionKey addresses one terminal session. All per-session state is keyed by it.
type SessionKey struct {
	WorkspaceID WorkspaceID `json:"workspace_id"`
	TerminalID  TerminalID  `json:"terminal_id"`
}

// NewSessionKey builds a validated session key.
func NewSessionKey(workspaceID, terminalID string) (SessionKey, error) {
	key := SessionKey{WorkspaceID: WorkspaceID(workspaceID), TerminalID: TerminalID(terminalID)}
	if err := ValidateSessionKey(key); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

// String renders the key as workspace::terminal.
func (k SessionKey) String() string {
	return fmt.Sprintf("%s::%s", k.WorkspaceID, k.TerminalID)
}

// IsZero reports whether the key is unset.
func (k SessionKey) IsZero() bool {
	return k.WorkspaceID == "" && k.TerminalID == ""
}

// Status is the coarse lifecycle status shown to the user.
type Status string

const (
	StatusStandby  Status = "standby"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Health is the advisory health indicator for a session.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthChecking Health = "checking"
	HealthOK       Health = "ok"
	HealthStale    Health = "stale"
)

// ReplayState tracks whether bootstrap history is still being replayed.
type ReplayState string

const (
	ReplayIdle      ReplayState = "idle"
	ReplayReplaying ReplayState = "replaying"
	ReplayLive      ReplayState = "live"
)

// DefaultMouseEncoding is used when a mode payload omits the encoding.
const DefaultMouseEncoding = "x10"

// TerminalMode captures the private modes reported by the host.
type TerminalMode struct {
	AltScreen     bool   `json:"alt_screen"`
	Mouse         bool   `json:"mouse"`
	MouseSGR      bool   `json:"mouse_sgr"`
	MouseEncoding string `json:"mouse_encoding"`
}

// DebugStats accumulates per-session stream counters.
type DebugStats struct {
	BytesIn           int64     `json:"bytes_in"`
	BytesOut          int64     `json:"bytes_out"`
	ChunksIn          int64     `json:"chunks_in"`
	DroppedStale      int64     `json:"dropped_stale"`
	DroppedDuplicate  int64     `json:"dropped_duplicate"`
	SkippedSeqs       int64     `json:"skipped_seqs"`
	BackpressureDrops int64     `json:"backpressure_drops"`
	BacklogDrops      int64     `json:"backlog_drops"`
	LastOutputAt      time.Time `json:"last_output_at,omitzero"`
}

// ReorderSnapshot summarises the ordered stream state of a session.
type ReorderSnapshot struct {
	QueuedChunks     int   `json:"queued_chunks"`
	QueuedBytes      int   `json:"queued_bytes"`
	FirstSeq         int64 `json:"first_seq"`
	LastSeq          int64 `json:"last_seq"`
	LastDeliveredSeq int64 `json:"last_delivered_seq"`
	DroppedStale     int64 `json:"dropped_stale"`
	DroppedDuplicate int64 `json:"dropped_duplicate"`
	SkippedSeqs      int64 `json:"skipped_seqs"`
}

// SessionSnapshot is the state/health view exposed to the UI shell.
type SessionSnapshot struct {
	Key           SessionKey      `json:"key"`
	Status        Status          `json:"status"`
	Message       string          `json:"message,omitempty"`
	Health        Health          `json:"health"`
	HealthMessage string          `json:"health_message,omitempty"`
	InputEnabled  bool            `json:"input_enabled"`
	ReplayState   ReplayState     `json:"replay_state"`
	Mode          TerminalMode    `json:"mode"`
	InitialCredit int64           `json:"initial_credit,omitempty"`
	Stats         DebugStats      `json:"stats"`
	Reorder       ReorderSnapshot `json:"reorder"`
}

// TerminalStatus is the host's view of a session.
type TerminalStatus struct {
	Active bool   `json:"active"`
	Error  string `json:"error,omitempty"`
}
