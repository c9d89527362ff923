package termlink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/core"
	"pkt.systems/termlink/httpapi"
	"pkt.systems/termlink/internal/eventbus"
	"pkt.systems/termlink/internal/persist"
	"pkt.systems/termlink/schema"
)

// ClientConfig configures a client connected to a remote host.
type ClientConfig struct {
	ServerURL      string
	Token          string
	RequestTimeout time.Duration
	Stream         schema.StreamConfig
	// StateDir enables persisted session records when set.
	StateDir   string
	HTTPClient *http.Client
	Backoff    httpapi.BackoffConfig
}

// ClientDeps are the local collaborators of a client.
type ClientDeps struct {
	Renderer core.Renderer
	Sinks    []core.StateSink
	Logger   pslog.Logger
}

// Client couples the HTTP backend, the event stream and a coordinator.
type Client struct {
	backend     *httpapi.Client
	stream      *httpapi.EventStream
	registry    *eventbus.Registry
	coordinator *core.Coordinator
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewClient wires a coordinator to the host at cfg.ServerURL.
func NewClient(ctx context.Context, cfg ClientConfig, deps ClientDeps) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	backend, err := httpapi.NewClient(cfg.ServerURL, cfg.Token, httpapi.ClientOptions{
		HTTPClient: cfg.HTTPClient,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	stream, err := httpapi.NewEventStream(cfg.ServerURL, cfg.Token, httpapi.StreamOptions{
		HTTPClient: cfg.HTTPClient,
		Backoff:    cfg.Backoff,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	var store core.StateStore
	if cfg.StateDir != "" {
		s, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}
	var sink core.StateSink
	if len(deps.Sinks) > 0 {
		sink = stateFanout{sinks: deps.Sinks}
	}
	baseCtx, cancel := context.WithCancel(ctx)
	coordinator, err := core.NewCoordinator(cfg.Stream, core.CoordinatorDeps{
		Backend:     backend,
		Renderer:    deps.Renderer,
		Sink:        sink,
		Store:       store,
		Logger:      logger,
		BaseContext: baseCtx,
		CallTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		cancel()
		stream.Close()
		return nil, err
	}
	return &Client{
		backend:     backend,
		stream:      stream,
		registry:    eventbus.New(stream, logger),
		coordinator: coordinator,
		cancel:      cancel,
	}, nil
}

// Coordinator returns the session coordinator.
func (c *Client) Coordinator() *core.Coordinator {
	return c.coordinator
}

// Registry returns the topic registry backing the coordinator listeners.
func (c *Client) Registry() *eventbus.Registry {
	return c.registry
}

// Open initializes the session view for key and starts it when the host
// is not already running it.
func (c *Client) Open(ctx context.Context, key schema.SessionKey) error {
	err := c.coordinator.InitTerminal(ctx, key, core.InitOptions{
		EnsureListeners: func() error { return c.coordinator.EnsureListeners(c.registry) },
	})
	if err != nil {
		return err
	}
	return c.coordinator.EnsureStream(ctx, key)
}

// Health reports the host health endpoint.
func (c *Client) Health(ctx context.Context) (httpapi.HealthResponse, error) {
	return c.backend.Health(ctx)
}

// Close stops the coordinator and the event stream.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.coordinator.StopListening()
		c.coordinator.Close()
		c.cancel()
		c.stream.Close()
	})
}
