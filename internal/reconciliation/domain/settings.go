package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Settings is the tenant-level reconciliation configuration. It is resolved
// once at the start of an operation and passed by value into the engine.
type Settings struct {
	TenantID               snowflake.ID    `json:"tenant_id"`
	VarianceTolerance      decimal.Decimal `json:"variance_tolerance"`
	EngineMode             EngineMode      `json:"engine_mode"`
	IncludeFutureSchedules bool            `json:"include_future_schedules"`
	AutoMatchThreshold     decimal.Decimal `json:"auto_match_threshold"`
	CandidateLimit         int             `json:"candidate_limit"`
	DateWindowDays         int             `json:"date_window_days"`
	DigestMinAgeDays       int             `json:"digest_min_age_days"`
	AllocationEpsilon      decimal.Decimal `json:"allocation_epsilon"`
}

func (s Settings) Validate() error {
	if s.VarianceTolerance.IsNegative() || s.VarianceTolerance.GreaterThan(decimal.NewFromInt(1)) {
		return Validation(ErrInvalidSettings.Code, "variance_tolerance must be within [0,1]")
	}
	switch s.EngineMode {
	case EngineModeLegacy, EngineModeHierarchical:
	default:
		return Validation(ErrInvalidSettings.Code, "engine_mode %q is not supported", s.EngineMode)
	}
	if !s.AutoMatchThreshold.IsPositive() || s.AutoMatchThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return Validation(ErrInvalidSettings.Code, "auto_match_threshold must be within (0,1]")
	}
	if s.CandidateLimit < 1 || s.CandidateLimit > 100 {
		return Validation(ErrInvalidSettings.Code, "candidate_limit must be within 1..100")
	}
	if s.DateWindowDays < 1 {
		return Validation(ErrInvalidSettings.Code, "date_window_days must be positive")
	}
	if s.DigestMinAgeDays < 0 {
		return Validation(ErrInvalidSettings.Code, "digest_min_age_days cannot be negative")
	}
	if !s.AllocationEpsilon.IsPositive() || s.AllocationEpsilon.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Validation(ErrInvalidSettings.Code, "allocation_epsilon must be within (0,1)")
	}
	return nil
}
