package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/termlink/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TERMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("client.server_url", cfg.Client.ServerURL)
	v.SetDefault("client.token", cfg.Client.Token)
	v.SetDefault("client.workspace_id", cfg.Client.WorkspaceID)
	v.SetDefault("client.terminal_id", cfg.Client.TerminalID)
	v.SetDefault("client.request_timeout_seconds", cfg.Client.RequestTimeoutSeconds)
	v.SetDefault("stream.reorder_delay_ms", cfg.Stream.ReorderDelayMS)
	v.SetDefault("stream.reorder_gap_timeout_ms", cfg.Stream.ReorderGapTimeoutMS)
	v.SetDefault("stream.force_flush_threshold", cfg.Stream.ForceFlushThreshold)
	v.SetDefault("stream.backpressure_cap_bytes", cfg.Stream.BackpressureCapBytes)
	v.SetDefault("stream.flush_budget_bytes", cfg.Stream.FlushBudgetBytes)
	v.SetDefault("stream.flush_backlog_limit_bytes", cfg.Stream.FlushBacklogLimitBytes)
	v.SetDefault("stream.frame_interval_ms", cfg.Stream.FrameIntervalMS)
	v.SetDefault("stream.initial_credit", cfg.Stream.InitialCredit)
	v.SetDefault("stream.ack_batch_bytes", cfg.Stream.AckBatchBytes)
	v.SetDefault("stream.ack_flush_delay_ms", cfg.Stream.AckFlushDelayMS)
	v.SetDefault("stream.startup_timeout_ms", cfg.Stream.StartupTimeoutMS)
	v.SetDefault("stream.bootstrap_fetch_delay_ms", cfg.Stream.BootstrapFetchDelayMS)
	v.SetDefault("stream.health_check_delay_ms", cfg.Stream.HealthCheckDelayMS)
	v.SetDefault("host.addr", cfg.Host.Addr)
	v.SetDefault("host.shell", cfg.Host.Shell)
	v.SetDefault("host.workspace_root", cfg.Host.WorkspaceRoot)
	v.SetDefault("host.backlog_bytes", cfg.Host.BacklogBytes)
	v.SetDefault("host.initial_credit", cfg.Host.InitialCredit)
	v.SetDefault("host.credit_timeout_ms", cfg.Host.CreditTimeoutMS)
	v.SetDefault("host.input_rate_bytes", cfg.Host.InputRateBytes)
	v.SetDefault("host.input_burst_bytes", cfg.Host.InputBurstBytes)
	v.SetDefault("host.token_hash", cfg.Host.TokenHash)
	v.SetDefault("host.hub_history", cfg.Host.HubHistory)
	v.SetDefault("host.base_path", cfg.Host.BasePath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	serverURL := strings.TrimSpace(cfg.Client.ServerURL)
	if serverURL != "" {
		parsed, err := url.Parse(serverURL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("client.server_url must include an http(s) scheme and host (e.g. http://127.0.0.1:27490)")
		}
	}
	if strings.TrimSpace(cfg.Host.Addr) == "" {
		return fmt.Errorf("host.addr is required")
	}
	if basePath := strings.TrimSpace(cfg.Host.BasePath); basePath != "" && !strings.HasPrefix(basePath, "/") {
		return fmt.Errorf("host.base_path must start with /")
	}
	if cfg.Host.BacklogBytes <= 0 {
		return fmt.Errorf("host.backlog_bytes must be positive")
	}
	if cfg.Host.InputRateBytes < 0 || cfg.Host.InputBurstBytes < 0 {
		return fmt.Errorf("host.input_rate_bytes and host.input_burst_bytes must not be negative")
	}
	if cfg.Client.WorkspaceID != "" || cfg.Client.TerminalID != "" {
		if _, err := schema.NewSessionKey(cfg.Client.WorkspaceID, cfg.Client.TerminalID); err != nil {
			return fmt.Errorf("client.workspace_id/terminal_id: %w", err)
		}
	}
	if _, err := cfg.StreamSettings(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Client.Token = expandEnv(cfg.Client.Token)
	cfg.Host.Shell = expandEnv(cfg.Host.Shell)
	cfg.Host.WorkspaceRoot = expandEnv(cfg.Host.WorkspaceRoot)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
