package termlink

import (
	"context"
	"errors"
	"net"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termlink/httpapi"
	"pkt.systems/termlink/internal/auth"
	"pkt.systems/termlink/internal/ptyhost"
)

// Server runs the terminal host: PTY sessions behind the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Addr reports the bound listen address once started.
	Addr() string
}

// HostConfig configures the host compositor.
type HostConfig struct {
	HTTP      httpapi.Config
	PTY       ptyhost.Options
	TokenHash string
}

type sessionCloser interface {
	Close(ctx context.Context) error
}

// NewHost wires the PTY manager, event hub, token verifier and HTTP API.
func NewHost(cfg HostConfig, logger pslog.Logger) (Server, error) {
	if cfg.HTTP.Addr == "" {
		return nil, errors.New("host listen address is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	verifier, err := auth.NewTokenVerifier(cfg.TokenHash, logger)
	if err != nil {
		return nil, err
	}
	hub := httpapi.NewHub(cfg.HTTP.HubHistory, logger)
	manager := ptyhost.NewManager(cfg.PTY, hub, logger)
	return &hostServer{
		cfg:      cfg,
		httpSrv:  httpapi.NewServer(cfg.HTTP, manager, hub, verifier),
		sessions: manager,
		auth:     verifier.Enabled(),
	}, nil
}

type hostServer struct {
	cfg      HostConfig
	httpSrv  *httpapi.Server
	sessions sessionCloser
	auth     bool
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	addr    string
	started bool
}

func (s *hostServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	listener, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.addr = listener.Addr().String()
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"instance", s.httpSrv.Instance(),
		"shell", s.cfg.PTY.Shell,
		"auth", s.auth,
	)
	go func() {
		if err := httpapi.Serve(s.ctx, listener, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *hostServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *hostServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *hostServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.sessions != nil {
		closeCtx := ctx
		if closeCtx == nil {
			closeCtx = context.Background()
		}
		if err := s.sessions.Close(closeCtx); err != nil {
			log.Warn("server session close failed", "err", err)
		} else {
			log.Info("server session close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
