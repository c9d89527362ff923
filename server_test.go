package termlink

import (
	"context"
	"net/http"
	"testing"
	"time"

	"pkt.systems/termlink/httpapi"
)

func TestServerStopClosesSessions(t *testing.T) {
	sessions := &trackingSessions{}
	ctx, cancel := context.WithCancel(context.Background())
	server := &hostServer{
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
		started:  true,
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sessions.closed != 1 {
		t.Fatalf("expected Close to be called, got %d", sessions.closed)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected server context to be canceled")
	}
}

func TestHostServesHealth(t *testing.T) {
	server, err := NewHost(HostConfig{HTTP: httpapi.Config{Addr: "127.0.0.1:0"}}, nil)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	if err := server.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to be rejected")
	}

	resp, err := http.Get("http://" + server.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNewHostRequiresAddr(t *testing.T) {
	if _, err := NewHost(HostConfig{}, nil); err == nil {
		t.Fatalf("expected error without listen address")
	}
	if _, err := NewHost(HostConfig{HTTP: httpapi.Config{Addr: "127.0.0.1:0"}, TokenHash: "not-a-hash"}, nil); err == nil {
		t.Fatalf("expected error for invalid token hash")
	}
}

type trackingSessions struct {
	closed int
}

func (t *trackingSessions) Close(context.Context) error {
	t.closed++
	return nil
}
