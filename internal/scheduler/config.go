package scheduler

import (
	"time"

	"github.com/smallbiznis/depositrecon/internal/config"
)

const (
	JobFlexDigest              = "flex_digest"
	JobSuggestedMatchesRefresh = "suggested_matches_refresh"
)

// Config controls scheduler intervals and per-job limits.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	EnabledJobs    []string
	DigestTimeout  time.Duration
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    5 * time.Minute,
		BatchSize:      200,
		DigestTimeout:  2 * time.Minute,
		RefreshTimeout: 10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.DigestTimeout <= 0 {
		c.DigestTimeout = defaults.DigestTimeout
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaults.RefreshTimeout
	}
	return c
}
