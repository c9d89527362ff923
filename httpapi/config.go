package httpapi

import "time"

// Config defines host HTTP API settings.
type Config struct {
	Addr       string
	BasePath   string
	HubHistory int
	// Keepalive is the interval between SSE comment frames. Zero uses the default.
	Keepalive time.Duration
}

const (
	defaultKeepalive = 15 * time.Second
	shutdownTimeout  = 5 * time.Second
	maxRequestBytes  = 4 << 20
)
