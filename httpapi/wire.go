package httpapi

import (
	"errors"

	"pkt.systems/termlink/schema"
)

var errInvalidServerURL = errors.New("server url must include an http(s) scheme and host")

// terminalRequest is the JSON body of every terminal POST endpoint.
type terminalRequest struct {
	WorkspaceID schema.WorkspaceID `json:"workspace_id"`
	TerminalID  schema.TerminalID  `json:"terminal_id"`
	Data        []byte             `json:"data,omitempty"`
	Cols        int                `json:"cols,omitempty"`
	Rows        int                `json:"rows,omitempty"`
	Bytes       int64              `json:"bytes,omitempty"`
}

func (r terminalRequest) key() schema.SessionKey {
	return schema.SessionKey{WorkspaceID: r.WorkspaceID, TerminalID: r.TerminalID}
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// helloFrame is the first SSE frame of every stream.
type helloFrame struct {
	Instance string `json:"instance"`
	Seq      uint64 `json:"seq"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const (
	sseEventHello = "hello"

	pathHealth    = "/api/health"
	pathStart     = "/api/terminals/start"
	pathWrite     = "/api/terminals/write"
	pathResize    = "/api/terminals/resize"
	pathKill      = "/api/terminals/kill"
	pathAck       = "/api/terminals/ack"
	pathStatus    = "/api/terminals/status"
	pathBootstrap = "/api/terminals/bootstrap"
	pathStream    = "/api/stream"
)
