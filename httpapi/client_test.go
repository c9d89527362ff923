package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkt.systems/termlink/schema"
)

func newClientHarness(t *testing.T, auth TokenVerifier, token string) (*Client, *fakeHost, *Server) {
	t.Helper()
	host := &fakeHost{status: schema.TerminalStatus{Active: true}}
	srv := NewServer(Config{BasePath: "/tl"}, host, nil, auth)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := NewClient(ts.URL+"/tl/", token, ClientOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return client, host, srv
}

func TestClientRoundTrip(t *testing.T) {
	client, host, srv := newClientHarness(t, nil, "")
	host.mu.Lock()
	host.bootstrap = schema.BootstrapPayload{WorkspaceID: "ws", TerminalID: "main", Snapshot: []byte("$ "), NextSeq: 3}
	host.mu.Unlock()
	ctx := context.Background()

	require.NoError(t, client.Start(ctx, "ws", "main"))
	require.NoError(t, client.Write(ctx, "ws", "main", []byte("echo hi\r")))
	require.NoError(t, client.Resize(ctx, "ws", "main", 80, 24))
	require.NoError(t, client.Ack(ctx, "ws", "main", 1024))
	payload, err := client.FetchBootstrap(ctx, "ws", "main")
	require.NoError(t, err)
	require.Equal(t, "$ ", string(payload.Snapshot))
	require.EqualValues(t, 3, payload.NextSeq)
	status, err := client.Status(ctx, "ws", "main")
	require.NoError(t, err)
	require.True(t, status.Active)
	require.NoError(t, client.Kill(ctx, "ws", "main"))

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, srv.Instance(), health.Instance)
	ok, err := client.Available(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ops := make([]string, 0)
	for _, call := range host.snapshot() {
		require.Equal(t, testKey, call.key)
		ops = append(ops, call.op)
	}
	require.Equal(t, []string{"start", "write", "resize", "ack", "bootstrap", "status", "kill"}, ops)
	require.Equal(t, "echo hi\r", host.snapshot()[1].data)
}

func TestClientMapsErrorsToSentinels(t *testing.T) {
	client, host, _ := newClientHarness(t, nil, "")
	ctx := context.Background()
	for _, sentinel := range []error{
		schema.ErrSessionNotFound,
		schema.ErrTerminalNotStarted,
		schema.ErrRateLimited,
	} {
		host.setErr(sentinel)
		err := client.Write(ctx, "ws", "main", []byte("x"))
		require.ErrorIs(t, err, sentinel)
	}

	host.setErr(errors.New("pty exploded"))
	err := client.Start(ctx, "ws", "main")
	require.Error(t, err)
	require.Contains(t, err.Error(), "pty exploded")
	require.Contains(t, err.Error(), "500")
}

func TestClientSendsBearerToken(t *testing.T) {
	client, _, _ := newClientHarness(t, staticVerifier{token: "s3cret"}, "s3cret")
	require.NoError(t, client.Start(context.Background(), "ws", "main"))

	anonymous, _, _ := newClientHarness(t, staticVerifier{token: "s3cret"}, "")
	err := anonymous.Start(context.Background(), "ws", "main")
	require.ErrorIs(t, err, schema.ErrUnauthorized)
}

func TestClientUnavailableHost(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client, err := NewClient(url, "", ClientOptions{Timeout: time.Second})
	require.NoError(t, err)
	ok, err := client.Available(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	err = client.Start(context.Background(), "ws", "main")
	require.ErrorIs(t, err, schema.ErrHostUnavailable)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("localhost:27490", "", ClientOptions{})
	require.Error(t, err)
}
