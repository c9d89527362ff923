package schema

import (
	"errors"
	"time"
)

// StreamConfig tunes the client-side streaming pipeline.
type StreamConfig struct {
	ReorderDelay         time.Duration
	ReorderGapTimeout    time.Duration
	ForceFlushThreshold  int
	BackpressureCapBytes int
	FlushBudgetBytes     int
	FlushBacklogLimit    int
	FrameInterval        time.Duration
	InitialCredit        int64
	AckBatchBytes        int64
	AckFlushDelay        time.Duration
	StartupTimeout       time.Duration
	BootstrapFetchDelay  time.Duration
	HealthCheckDelay     time.Duration
	BootstrapHealthBase  time.Duration
	BootstrapHealthMax   time.Duration
	AvailabilityCacheTTL time.Duration
}

const (
	DefaultReorderDelay         = 8 * time.Millisecond
	DefaultReorderGapTimeout    = 32 * time.Millisecond
	DefaultForceFlushThreshold  = 24
	DefaultBackpressureCapBytes = 1 << 20
	DefaultFlushBudgetBytes     = 128 * 1024
	DefaultFlushBacklogLimit    = 512 * 1024
	DefaultFrameInterval        = 16 * time.Millisecond
	DefaultInitialCredit        = 256 * 1024
	DefaultAckBatchBytes        = 32 * 1024
	DefaultAckFlushDelay        = 25 * time.Millisecond
	DefaultStartupTimeout       = 2 * time.Second
	DefaultBootstrapFetchDelay  = 200 * time.Millisecond
	DefaultHealthCheckDelay     = 1500 * time.Millisecond
	DefaultBootstrapHealthBase  = 350 * time.Millisecond
	DefaultBootstrapHealthMax   = 5 * time.Second
	DefaultAvailabilityCacheTTL = 5 * time.Second
)

// NormalizeStreamConfig applies defaults and validates the config.
func NormalizeStreamConfig(cfg StreamConfig) (StreamConfig, error) {
	if cfg.ReorderDelay <= 0 {
		cfg.ReorderDelay = DefaultReorderDelay
	}
	if cfg.ReorderGapTimeout <= 0 {
		cfg.ReorderGapTimeout = DefaultReorderGapTimeout
	}
	if cfg.ForceFlushThreshold <= 0 {
		cfg.ForceFlushThreshold = DefaultForceFlushThreshold
	}
	if cfg.BackpressureCapBytes <= 0 {
		cfg.BackpressureCapBytes = DefaultBackpressureCapBytes
	}
	if cfg.FlushBudgetBytes <= 0 {
		cfg.FlushBudgetBytes = DefaultFlushBudgetBytes
	}
	if cfg.FlushBacklogLimit <= 0 {
		cfg.FlushBacklogLimit = DefaultFlushBacklogLimit
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.InitialCredit <= 0 {
		cfg.InitialCredit = DefaultInitialCredit
	}
	if cfg.AckBatchBytes <= 0 {
		cfg.AckBatchBytes = DefaultAckBatchBytes
	}
	if cfg.AckFlushDelay <= 0 {
		cfg.AckFlushDelay = DefaultAckFlushDelay
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.BootstrapFetchDelay <= 0 {
		cfg.BootstrapFetchDelay = DefaultBootstrapFetchDelay
	}
	if cfg.HealthCheckDelay <= 0 {
		cfg.HealthCheckDelay = DefaultHealthCheckDelay
	}
	if cfg.BootstrapHealthBase <= 0 {
		cfg.BootstrapHealthBase = DefaultBootstrapHealthBase
	}
	if cfg.BootstrapHealthMax <= 0 {
		cfg.BootstrapHealthMax = DefaultBootstrapHealthMax
	}
	if cfg.AvailabilityCacheTTL <= 0 {
		cfg.AvailabilityCacheTTL = DefaultAvailabilityCacheTTL
	}
	if cfg.ReorderGapTimeout < cfg.ReorderDelay {
		return StreamConfig{}, errors.New("reorder gap timeout must not be shorter than reorder delay")
	}
	if cfg.BootstrapHealthMax < cfg.BootstrapHealthBase {
		return StreamConfig{}, errors.New("bootstrap health max must not be shorter than its base")
	}
	return cfg, nil
}
