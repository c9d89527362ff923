package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/termlink/internal/logx"
	"pkt.systems/termlink/internal/version"
	"pkt.systems/termlink/schema"
)

// Host runs terminal sessions on behalf of the API.
type Host interface {
	Start(ctx context.Context, key schema.SessionKey) error
	Write(ctx context.Context, key schema.SessionKey, data []byte) error
	Resize(ctx context.Context, key schema.SessionKey, cols, rows int) error
	Kill(ctx context.Context, key schema.SessionKey) error
	Ack(ctx context.Context, key schema.SessionKey, bytes int64) error
	Bootstrap(ctx context.Context, key schema.SessionKey) (schema.BootstrapPayload, error)
	Status(ctx context.Context, key schema.SessionKey) (schema.TerminalStatus, error)
}

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Enabled() bool
	Verify(token string) error
}

// Server serves the terminal host API.
type Server struct {
	cfg      Config
	host     Host
	hub      *Hub
	auth     TokenVerifier
	instance string
	basePath string
}

// NewServer constructs an HTTP server. A nil auth accepts every request.
func NewServer(cfg Config, host Host, hub *Hub, auth TokenVerifier) *Server {
	if hub == nil {
		hub = NewHub(cfg.HubHistory, nil)
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	return &Server{
		cfg:      cfg,
		host:     host,
		hub:      hub,
		auth:     auth,
		instance: uuid.NewString(),
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Instance identifies this server process. It changes on every restart.
func (s *Server) Instance() string {
	return s.instance
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathHealth, s.handleHealth)
	mux.HandleFunc(pathStart, s.requireToken(s.handleStart))
	mux.HandleFunc(pathWrite, s.requireToken(s.handleWrite))
	mux.HandleFunc(pathResize, s.requireToken(s.handleResize))
	mux.HandleFunc(pathKill, s.requireToken(s.handleKill))
	mux.HandleFunc(pathAck, s.requireToken(s.handleAck))
	mux.HandleFunc(pathStatus, s.requireToken(s.handleStatus))
	mux.HandleFunc(pathBootstrap, s.requireToken(s.handleBootstrap))
	mux.HandleFunc(pathStream, s.requireToken(s.handleStream))

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	return root
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Instance: s.instance,
		Version:  version.Current(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readTerminalRequest(w, r)
	if !ok {
		return
	}
	log := logx.WithSession(r.Context(), req.key())
	if err := s.host.Start(r.Context(), req.key()); err != nil {
		log.Warn("http terminal start failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http terminal start ok")
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readTerminalRequest(w, r)
	if !ok {
		return
	}
	if err := s.host.Write(r.Context(), req.key(), req.Data); err != nil {
		logx.WithSession(r.Context(), req.key()).Warn("http terminal write failed", "bytes", len(req.Data), "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readTerminalRequest(w, r)
	if !ok {
		return
	}
	log := logx.WithSession(r.Context(), req.key())
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: cols and rows must be positive", schema.ErrInvalidRequest))
		return
	}
	if err := s.host.Resize(r.Context(), req.key(), req.Cols, req.Rows); err != nil {
		log.Warn("http terminal resize failed", "cols", req.Cols, "rows", req.Rows, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Debug("http terminal resize ok", "cols", req.Cols, "rows", req.Rows)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readTerminalRequest(w, r)
	if !ok {
		return
	}
	log := logx.WithSession(r.Context(), req.key())
	if err := s.host.Kill(r.Context(), req.key()); err != nil {
		log.Warn("http terminal kill failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http terminal kill ok")
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readTerminalRequest(w, r)
	if !ok {
		return
	}
	if req.Bytes <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: ack bytes must be positive", schema.ErrInvalidRequest))
		return
	}
	if err := s.host.Ack(r.Context(), req.key(), req.Bytes); err != nil {
		logx.WithSession(r.Context(), req.key()).Warn("http terminal ack failed", "bytes", req.Bytes, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := s.queryKey(w, r)
	if !ok {
		return
	}
	status, err := s.host.Status(r.Context(), key)
	if err != nil {
		logx.WithSession(r.Context(), key).Warn("http terminal status failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	key, ok := s.queryKey(w, r)
	if !ok {
		return
	}
	log := logx.WithSession(r.Context(), key)
	payload, err := s.host.Bootstrap(r.Context(), key)
	if err != nil {
		log.Warn("http terminal bootstrap failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
	log.Info("http terminal bootstrap ok", "snapshot", len(payload.Snapshot), "backlog", len(payload.Backlog), "next_seq", payload.NextSeq)
}

// handleStream serves host events as server-sent events. The first frame is
// a hello carrying the instance id; Last-Event-ID replay only applies when
// the client names the same instance.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("last_event_id"))
	}
	if r.URL.Query().Get("instance") != s.instance {
		lastID = 0
	}

	ch, unsubscribe, replay := s.hub.Subscribe(lastID)
	defer unsubscribe()

	_ = writeSSEFrame(w, sseEventHello, 0, helloFrame{Instance: s.instance, Seq: s.hub.Seq()})
	for _, env := range replay {
		_ = writeSSEFrame(w, "", env.Seq, env.Event)
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.Keepalive)
	defer keepalive.Stop()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", len(replay))
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case env := <-ch:
			if err := writeSSEFrame(w, "", env.Seq, env.Event); err != nil {
				log.Warn("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) readTerminalRequest(w http.ResponseWriter, r *http.Request) (terminalRequest, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return terminalRequest{}, false
	}
	var req terminalRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBytes), &req); err != nil {
		logx.Ctx(r.Context()).Warn("http terminal decode failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return terminalRequest{}, false
	}
	if err := schema.ValidateSessionKey(req.key()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return terminalRequest{}, false
	}
	return req, true
}

func (s *Server) queryKey(w http.ResponseWriter, r *http.Request) (schema.SessionKey, bool) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return schema.SessionKey{}, false
	}
	query := r.URL.Query()
	key, err := schema.NewSessionKey(query.Get("workspace_id"), query.Get("terminal_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return schema.SessionKey{}, false
	}
	return key, true
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			logx.Ctx(r.Context()).With("remote", clientIP(r)).Warn("http token missing")
			writeError(w, http.StatusUnauthorized, schema.ErrUnauthorized)
			return
		}
		if err := s.auth.Verify(token); err != nil {
			logx.Ctx(r.Context()).With("remote", clientIP(r)).Warn("http token rejected")
			writeError(w, http.StatusUnauthorized, schema.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrTerminalNotStarted):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidSession), errors.Is(err, schema.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, schema.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeSSEFrame(w io.Writer, event string, seq uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
