package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/termlink/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int          `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string       `mapstructure:"state_dir" yaml:"state_dir"`
	Client        ClientConfig `mapstructure:"client" yaml:"client"`
	Stream        StreamConfig `mapstructure:"stream" yaml:"stream"`
	Host          HostConfig   `mapstructure:"host" yaml:"host"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ClientConfig points the attach client at a host.
type ClientConfig struct {
	ServerURL             string `mapstructure:"server_url" yaml:"server_url"`
	Token                 string `mapstructure:"token" yaml:"token"`
	WorkspaceID           string `mapstructure:"workspace_id" yaml:"workspace_id"`
	TerminalID            string `mapstructure:"terminal_id" yaml:"terminal_id"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// StreamConfig tunes the client-side streaming pipeline. Durations are in
// milliseconds; zero values take the built-in defaults.
type StreamConfig struct {
	ReorderDelayMS         int   `mapstructure:"reorder_delay_ms" yaml:"reorder_delay_ms"`
	ReorderGapTimeoutMS    int   `mapstructure:"reorder_gap_timeout_ms" yaml:"reorder_gap_timeout_ms"`
	ForceFlushThreshold    int   `mapstructure:"force_flush_threshold" yaml:"force_flush_threshold"`
	BackpressureCapBytes   int   `mapstructure:"backpressure_cap_bytes" yaml:"backpressure_cap_bytes"`
	FlushBudgetBytes       int   `mapstructure:"flush_budget_bytes" yaml:"flush_budget_bytes"`
	FlushBacklogLimitBytes int   `mapstructure:"flush_backlog_limit_bytes" yaml:"flush_backlog_limit_bytes"`
	FrameIntervalMS        int   `mapstructure:"frame_interval_ms" yaml:"frame_interval_ms"`
	InitialCredit          int64 `mapstructure:"initial_credit" yaml:"initial_credit"`
	AckBatchBytes          int64 `mapstructure:"ack_batch_bytes" yaml:"ack_batch_bytes"`
	AckFlushDelayMS        int   `mapstructure:"ack_flush_delay_ms" yaml:"ack_flush_delay_ms"`
	StartupTimeoutMS       int   `mapstructure:"startup_timeout_ms" yaml:"startup_timeout_ms"`
	BootstrapFetchDelayMS  int   `mapstructure:"bootstrap_fetch_delay_ms" yaml:"bootstrap_fetch_delay_ms"`
	HealthCheckDelayMS     int   `mapstructure:"health_check_delay_ms" yaml:"health_check_delay_ms"`
}

// HostConfig configures the PTY host served by `termlink serve`.
type HostConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	BasePath        string `mapstructure:"base_path" yaml:"base_path"`
	Shell           string `mapstructure:"shell" yaml:"shell"`
	WorkspaceRoot   string `mapstructure:"workspace_root" yaml:"workspace_root"`
	BacklogBytes    int    `mapstructure:"backlog_bytes" yaml:"backlog_bytes"`
	InitialCredit   int64  `mapstructure:"initial_credit" yaml:"initial_credit"`
	CreditTimeoutMS int    `mapstructure:"credit_timeout_ms" yaml:"credit_timeout_ms"`
	InputRateBytes  int    `mapstructure:"input_rate_bytes" yaml:"input_rate_bytes"`
	InputBurstBytes int    `mapstructure:"input_burst_bytes" yaml:"input_burst_bytes"`
	TokenHash       string `mapstructure:"token_hash" yaml:"token_hash"`
	HubHistory      int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".termlink", "state"),
		Client: ClientConfig{
			ServerURL:             "http://127.0.0.1:27490",
			Token:                 "",
			WorkspaceID:           "default",
			TerminalID:            "main",
			RequestTimeoutSeconds: 10,
		},
		Stream: StreamConfig{
			ReorderDelayMS:         int(schema.DefaultReorderDelay / time.Millisecond),
			ReorderGapTimeoutMS:    int(schema.DefaultReorderGapTimeout / time.Millisecond),
			ForceFlushThreshold:    schema.DefaultForceFlushThreshold,
			BackpressureCapBytes:   schema.DefaultBackpressureCapBytes,
			FlushBudgetBytes:       schema.DefaultFlushBudgetBytes,
			FlushBacklogLimitBytes: schema.DefaultFlushBacklogLimit,
			FrameIntervalMS:        int(schema.DefaultFrameInterval / time.Millisecond),
			InitialCredit:          schema.DefaultInitialCredit,
			AckBatchBytes:          schema.DefaultAckBatchBytes,
			AckFlushDelayMS:        int(schema.DefaultAckFlushDelay / time.Millisecond),
			StartupTimeoutMS:       int(schema.DefaultStartupTimeout / time.Millisecond),
			BootstrapFetchDelayMS:  int(schema.DefaultBootstrapFetchDelay / time.Millisecond),
			HealthCheckDelayMS:     int(schema.DefaultHealthCheckDelay / time.Millisecond),
		},
		Host: HostConfig{
			Addr:            "127.0.0.1:27490",
			BasePath:        "",
			Shell:           shell,
			WorkspaceRoot:   filepath.Join(home, ".termlink", "workspaces"),
			BacklogBytes:    1 << 20,
			InitialCredit:   schema.DefaultInitialCredit,
			CreditTimeoutMS: 2000,
			InputRateBytes:  64 * 1024,
			InputBurstBytes: 256 * 1024,
			TokenHash:       "",
			HubHistory:      4096,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termlink", "config.yaml"), nil
}

// StreamSettings converts the stream section into a normalized schema.StreamConfig.
func (c Config) StreamSettings() (schema.StreamConfig, error) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return schema.NormalizeStreamConfig(schema.StreamConfig{
		ReorderDelay:         ms(c.Stream.ReorderDelayMS),
		ReorderGapTimeout:    ms(c.Stream.ReorderGapTimeoutMS),
		ForceFlushThreshold:  c.Stream.ForceFlushThreshold,
		BackpressureCapBytes: c.Stream.BackpressureCapBytes,
		FlushBudgetBytes:     c.Stream.FlushBudgetBytes,
		FlushBacklogLimit:    c.Stream.FlushBacklogLimitBytes,
		FrameInterval:        ms(c.Stream.FrameIntervalMS),
		InitialCredit:        c.Stream.InitialCredit,
		AckBatchBytes:        c.Stream.AckBatchBytes,
		AckFlushDelay:        ms(c.Stream.AckFlushDelayMS),
		StartupTimeout:       ms(c.Stream.StartupTimeoutMS),
		BootstrapFetchDelay:  ms(c.Stream.BootstrapFetchDelayMS),
		HealthCheckDelay:     ms(c.Stream.HealthCheckDelayMS),
	})
}

// RequestTimeout returns the client request timeout.
func (c ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CreditTimeout returns how long host output waits for client credit.
func (c HostConfig) CreditTimeout() time.Duration {
	return time.Duration(c.CreditTimeoutMS) * time.Millisecond
}
