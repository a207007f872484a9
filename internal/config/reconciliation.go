package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconciliationDefaults are the tenant-independent defaults applied when a
// tenant has not stored its own reconciliation settings.
type ReconciliationDefaults struct {
	VarianceTolerance      float64 `mapstructure:"variance_tolerance"`
	EngineMode             string  `mapstructure:"engine_mode"`
	IncludeFutureSchedules bool    `mapstructure:"include_future_schedules"`
	AutoMatchThreshold     float64 `mapstructure:"auto_match_threshold"`
	CandidateLimit         int     `mapstructure:"candidate_limit"`
	DateWindowDays         int     `mapstructure:"date_window_days"`
	DigestMinAgeDays       int     `mapstructure:"digest_min_age_days"`
	AllocationEpsilon      float64 `mapstructure:"allocation_epsilon"`
}

func DefaultReconciliationDefaults() ReconciliationDefaults {
	return ReconciliationDefaults{
		VarianceTolerance:      0.05,
		EngineMode:             "hierarchical",
		IncludeFutureSchedules: false,
		AutoMatchThreshold:     0.95,
		CandidateLimit:         10,
		DateWindowDays:         31,
		DigestMinAgeDays:       3,
		AllocationEpsilon:      0.005,
	}
}

type ReconciliationConfigHolder struct {
	current atomic.Value // holds ReconciliationDefaults
}

// NewReconciliationConfigHolder reads reconciliation.yml and keeps it fresh
// while the process runs. A missing file falls back to the built-in defaults.
func NewReconciliationConfigHolder(cfg Config) (*ReconciliationConfigHolder, error) {
	v := viper.New()

	if cfg.ReconciliationConfigPath != "" {
		v.SetConfigFile(cfg.ReconciliationConfigPath)
	} else {
		v.SetConfigName("reconciliation")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/depositrecon")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DEPOSITRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconciliationDefaults()
	v.SetDefault("reconciliation.variance_tolerance", defaults.VarianceTolerance)
	v.SetDefault("reconciliation.engine_mode", defaults.EngineMode)
	v.SetDefault("reconciliation.include_future_schedules", defaults.IncludeFutureSchedules)
	v.SetDefault("reconciliation.auto_match_threshold", defaults.AutoMatchThreshold)
	v.SetDefault("reconciliation.candidate_limit", defaults.CandidateLimit)
	v.SetDefault("reconciliation.date_window_days", defaults.DateWindowDays)
	v.SetDefault("reconciliation.digest_min_age_days", defaults.DigestMinAgeDays)
	v.SetDefault("reconciliation.allocation_epsilon", defaults.AllocationEpsilon)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var loaded ReconciliationDefaults
	if err := v.UnmarshalKey("reconciliation", &loaded); err != nil {
		return nil, err
	}
	if err := ValidateReconciliationDefaults(loaded); err != nil {
		return nil, err
	}

	holder := &ReconciliationConfigHolder{}
	holder.current.Store(loaded)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated ReconciliationDefaults
			if err := v.UnmarshalKey("reconciliation", &updated); err != nil {
				log.Printf("[reconciliation-config] reload failed: %v", err)
				return
			}
			if err := ValidateReconciliationDefaults(updated); err != nil {
				log.Printf("[reconciliation-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[reconciliation-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// NewStaticReconciliationConfigHolder returns a holder pinned to the given
// defaults. Used by tests and tools that do not read files.
func NewStaticReconciliationConfigHolder(defaults ReconciliationDefaults) *ReconciliationConfigHolder {
	holder := &ReconciliationConfigHolder{}
	holder.current.Store(defaults)
	return holder
}

func (h *ReconciliationConfigHolder) Get() ReconciliationDefaults {
	if h == nil {
		return DefaultReconciliationDefaults()
	}
	return h.current.Load().(ReconciliationDefaults)
}

func ValidateReconciliationDefaults(cfg ReconciliationDefaults) error {
	if cfg.VarianceTolerance < 0 || cfg.VarianceTolerance > 1 {
		return fmt.Errorf("reconciliation.variance_tolerance must be within [0,1], got %v", cfg.VarianceTolerance)
	}
	switch cfg.EngineMode {
	case "legacy", "hierarchical":
	default:
		return fmt.Errorf("reconciliation.engine_mode %q is not supported", cfg.EngineMode)
	}
	if cfg.AutoMatchThreshold <= 0 || cfg.AutoMatchThreshold > 1 {
		return errors.New("reconciliation.auto_match_threshold must be within (0,1]")
	}
	if cfg.CandidateLimit <= 0 || cfg.CandidateLimit > 100 {
		return errors.New("reconciliation.candidate_limit must be within 1..100")
	}
	if cfg.DateWindowDays <= 0 {
		return errors.New("reconciliation.date_window_days must be positive")
	}
	if cfg.DigestMinAgeDays < 0 {
		return errors.New("reconciliation.digest_min_age_days cannot be negative")
	}
	if cfg.AllocationEpsilon <= 0 || cfg.AllocationEpsilon >= 1 {
		return errors.New("reconciliation.allocation_epsilon must be within (0,1)")
	}
	return nil
}
