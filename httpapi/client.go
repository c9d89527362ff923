package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termlink/core"
	"pkt.systems/termlink/schema"
)

var _ core.Backend = (*Client)(nil)

// ClientOptions tunes a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	// Timeout bounds each request. Zero leaves the bound to the caller's context.
	Timeout time.Duration
	Logger  pslog.Logger
}

// Client calls a terminal host over HTTP.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	opts  ClientOptions
	log   pslog.Logger
}

// NewClient constructs a client for serverURL. An empty token sends no
// Authorization header.
func NewClient(serverURL, token string, opts ClientOptions) (*Client, error) {
	base, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  httpClient,
		opts:  opts,
		log:   logger.With("server", base.Host),
	}, nil
}

// Start launches (or reattaches to) the terminal process.
func (c *Client) Start(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) error {
	return c.post(ctx, pathStart, terminalRequest{WorkspaceID: workspaceID, TerminalID: terminalID})
}

// Write sends input bytes to the terminal.
func (c *Client) Write(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, data []byte) error {
	return c.post(ctx, pathWrite, terminalRequest{WorkspaceID: workspaceID, TerminalID: terminalID, Data: data})
}

// Resize changes the terminal window size.
func (c *Client) Resize(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, cols, rows int) error {
	return c.post(ctx, pathResize, terminalRequest{WorkspaceID: workspaceID, TerminalID: terminalID, Cols: cols, Rows: rows})
}

// Kill terminates the terminal process.
func (c *Client) Kill(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) error {
	return c.post(ctx, pathKill, terminalRequest{WorkspaceID: workspaceID, TerminalID: terminalID})
}

// Ack returns flow-control credit for rendered bytes.
func (c *Client) Ack(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID, n int64) error {
	return c.post(ctx, pathAck, terminalRequest{WorkspaceID: workspaceID, TerminalID: terminalID, Bytes: n})
}

// FetchBootstrap requests a bootstrap payload directly.
func (c *Client) FetchBootstrap(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) (schema.BootstrapPayload, error) {
	var payload schema.BootstrapPayload
	err := c.get(ctx, pathBootstrap, keyQuery(workspaceID, terminalID), &payload)
	return payload, err
}

// Status reports whether the host has a live process for the terminal.
func (c *Client) Status(ctx context.Context, workspaceID schema.WorkspaceID, terminalID schema.TerminalID) (schema.TerminalStatus, error) {
	var status schema.TerminalStatus
	err := c.get(ctx, pathStatus, keyQuery(workspaceID, terminalID), &status)
	return status, err
}

// Available probes the host health endpoint.
func (c *Client) Available(ctx context.Context) (bool, error) {
	if _, err := c.Health(ctx); err != nil {
		if errors.Is(err, schema.ErrHostUnavailable) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Health fetches the host health report.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	err := c.get(ctx, pathHealth, nil, &health)
	return health, err
}

func keyQuery(workspaceID schema.WorkspaceID, terminalID schema.TerminalID) url.Values {
	return url.Values{
		"workspace_id": {string(workspaceID)},
		"terminal_id":  {string(terminalID)},
	}
}

func (c *Client) post(ctx context.Context, path string, body terminalRequest) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, endpoint(c.base, path, nil), bytes.NewReader(data), nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, target any) error {
	return c.do(ctx, http.MethodGet, endpoint(c.base, path, query), nil, target)
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %v", schema.ErrHostUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// responseError maps an error response back onto the schema sentinels.
func responseError(resp *http.Response) error {
	var payload errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	if payload.Error == "" {
		payload.Error = resp.Status
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = schema.ErrSessionNotFound
	case http.StatusConflict:
		sentinel = schema.ErrTerminalNotStarted
	case http.StatusBadRequest:
		sentinel = schema.ErrInvalidRequest
	case http.StatusTooManyRequests:
		sentinel = schema.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = schema.ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		sentinel = schema.ErrHostUnavailable
	default:
		return fmt.Errorf("host error (%d): %s", resp.StatusCode, payload.Error)
	}
	if payload.Error == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, payload.Error)
}
