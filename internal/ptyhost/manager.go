// Package ptyhost runs shell sessions on pseudo-terminals and publishes their
// output, mode changes and lifecycle transitions as stream events.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/httpapi"
	"pkt.systems/termlink/internal/clock"
	"pkt.systems/termlink/internal/logx"
	"pkt.systems/termlink/schema"
)

var _ httpapi.Host = (*Manager)(nil)

// Publisher receives host events.
type Publisher interface {
	Publish(event schema.StreamEvent) uint64
}

// Options configures a Manager.
type Options struct {
	Shell           string
	WorkspaceRoot   string
	Env             []string
	BacklogBytes    int
	InitialCredit   int64
	CreditTimeout   time.Duration
	InputRateBytes  int
	InputBurstBytes int
	Clock           clock.Clock
}

// Manager owns the PTY sessions of one host process.
type Manager struct {
	opts      Options
	publisher Publisher
	log       pslog.Logger

	mu       sync.Mutex
	sessions map[schema.SessionKey]*session
	closed   bool
}

// NewManager constructs a Manager that publishes to publisher.
func NewManager(opts Options, publisher Publisher, logger pslog.Logger) *Manager {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Manager{
		opts:      opts,
		publisher: publisher,
		log:       logger,
		sessions:  make(map[schema.SessionKey]*session),
	}
}

// Start launches a shell for key, or resumes the running one. Both publish a
// started lifecycle event followed by a bootstrap.
func (m *Manager) Start(ctx context.Context, key schema.SessionKey) error {
	if err := schema.ValidateSessionKey(key); err != nil {
		return err
	}
	log := logx.WithKey(m.log, key)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return schema.ErrHostUnavailable
	}
	if existing := m.sessions[key]; existing != nil && existing.isRunning() {
		m.mu.Unlock()
		log.Info("terminal resume")
		m.publishLifecycle(key, schema.LifecycleStarted, "Session resumed.")
		m.publishBootstrap(existing)
		return nil
	}
	dir, err := m.workspaceDir(key.WorkspaceID)
	if err != nil {
		m.mu.Unlock()
		log.Warn("terminal workspace unavailable", "err", err)
		m.publishLifecycle(key, schema.LifecycleError, err.Error())
		return err
	}
	cmd, file, err := spawnShell(m.opts.Shell, dir, m.opts.Env, defaultCols, defaultRows)
	if err != nil {
		m.mu.Unlock()
		log.Warn("terminal start failed", "shell", m.opts.Shell, "err", err)
		m.publishLifecycle(key, schema.LifecycleError, err.Error())
		return fmt.Errorf("start shell: %w", err)
	}
	s := newSession(key, cmd, file, m.opts, log)
	m.sessions[key] = s
	m.mu.Unlock()

	log.Info("terminal started", "shell", m.opts.Shell, "dir", dir, "pid", cmd.Process.Pid)
	m.publishLifecycle(key, schema.LifecycleStarted, "")
	m.publishBootstrap(s)
	go s.readLoop(m.publish, m.onExit)
	return nil
}

func (m *Manager) workspaceDir(workspaceID schema.WorkspaceID) (string, error) {
	root := m.opts.WorkspaceRoot
	if root == "" {
		return os.Getwd()
	}
	dir := filepath.Join(root, string(workspaceID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return dir, nil
}

func (m *Manager) onExit(s *session, err error) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	m.mu.Unlock()
	message := exitMessage(err)
	logx.WithKey(m.log, s.key).Info("terminal exited", "status", message)
	m.publishLifecycle(s.key, schema.LifecycleClosed, message)
}

func (m *Manager) lookup(key schema.SessionKey) (*session, error) {
	if err := schema.ValidateSessionKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key]
	if s == nil {
		return nil, schema.ErrSessionNotFound
	}
	return s, nil
}

// Write forwards input to the shell, paced by the input rate limiter.
func (m *Manager) Write(ctx context.Context, key schema.SessionKey, data []byte) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	return s.write(ctx, data)
}

// Resize changes the PTY window size.
func (m *Manager) Resize(_ context.Context, key schema.SessionKey, cols, rows int) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

// Kill hangs up the shell. The closed lifecycle event follows its exit.
func (m *Manager) Kill(_ context.Context, key schema.SessionKey) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	logx.WithKey(m.log, key).Info("terminal kill")
	s.kill()
	return nil
}

// Ack grants output credit to the session.
func (m *Manager) Ack(_ context.Context, key schema.SessionKey, n int64) error {
	s, err := m.lookup(key)
	if err != nil {
		return err
	}
	s.credit.add(n)
	return nil
}

// Bootstrap returns the retained backlog and modes of the session.
func (m *Manager) Bootstrap(_ context.Context, key schema.SessionKey) (schema.BootstrapPayload, error) {
	s, err := m.lookup(key)
	if err != nil {
		return schema.BootstrapPayload{}, err
	}
	return s.bootstrap(m.opts.InitialCredit), nil
}

// Status reports whether a shell is running for key. Unknown keys are
// inactive rather than an error.
func (m *Manager) Status(_ context.Context, key schema.SessionKey) (schema.TerminalStatus, error) {
	s, err := m.lookup(key)
	switch {
	case errors.Is(err, schema.ErrSessionNotFound):
		return schema.TerminalStatus{}, nil
	case err != nil:
		return schema.TerminalStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := schema.TerminalStatus{Active: s.running}
	if !s.running && s.exitErr != nil {
		status.Error = s.exitErr.Error()
	}
	return status, nil
}

// Close kills every session and waits for them to exit or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.kill()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(sessions) > 0 {
		m.log.Info("terminal host closed", "sessions", len(sessions))
	}
	return nil
}

func (m *Manager) publish(event schema.StreamEvent) {
	if m.publisher != nil {
		m.publisher.Publish(event)
	}
}

func (m *Manager) publishLifecycle(key schema.SessionKey, status schema.LifecycleStatus, message string) {
	m.publish(schema.StreamEvent{
		Topic: schema.TopicLifecycle,
		Lifecycle: &schema.LifecyclePayload{
			WorkspaceID: key.WorkspaceID,
			TerminalID:  key.TerminalID,
			Status:      status,
			Message:     message,
		},
	})
}

func (m *Manager) publishBootstrap(s *session) {
	payload := s.bootstrap(m.opts.InitialCredit)
	m.publish(schema.StreamEvent{Topic: schema.TopicBootstrap, Bootstrap: &payload})
	m.publish(schema.StreamEvent{
		Topic:         schema.TopicBootstrapDone,
		BootstrapDone: &schema.BootstrapDonePayload{WorkspaceID: s.key.WorkspaceID, TerminalID: s.key.TerminalID},
	})
}
