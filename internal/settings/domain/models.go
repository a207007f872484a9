package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"gorm.io/gorm"
)

// TenantSettings is a tenant's stored override of the reconciliation
// defaults. A tenant without a row uses the configured defaults.
type TenantSettings struct {
	TenantID               snowflake.ID         `gorm:"primaryKey" json:"tenant_id"`
	VarianceTolerance      decimal.Decimal      `gorm:"type:numeric(6,4);not null" json:"variance_tolerance"`
	EngineMode             recdomain.EngineMode `gorm:"type:text;not null" json:"engine_mode"`
	IncludeFutureSchedules bool                 `gorm:"not null;default:false" json:"include_future_schedules"`
	AutoMatchThreshold     decimal.Decimal      `gorm:"type:numeric(6,4);not null" json:"auto_match_threshold"`
	CandidateLimit         int                  `gorm:"not null" json:"candidate_limit"`
	DateWindowDays         int                  `gorm:"not null" json:"date_window_days"`
	DigestMinAgeDays       int                  `gorm:"not null" json:"digest_min_age_days"`
	AllocationEpsilon      decimal.Decimal      `gorm:"type:numeric(8,6);not null" json:"allocation_epsilon"`
	UpdatedBy              *string              `gorm:"type:text" json:"updated_by,omitempty"`
	CreatedAt              time.Time            `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time            `gorm:"not null" json:"updated_at"`
}

func (TenantSettings) TableName() string { return "reconciliation_settings" }

func (s TenantSettings) ToSettings() recdomain.Settings {
	return recdomain.Settings{
		TenantID:               s.TenantID,
		VarianceTolerance:      s.VarianceTolerance,
		EngineMode:             s.EngineMode,
		IncludeFutureSchedules: s.IncludeFutureSchedules,
		AutoMatchThreshold:     s.AutoMatchThreshold,
		CandidateLimit:         s.CandidateLimit,
		DateWindowDays:         s.DateWindowDays,
		DigestMinAgeDays:       s.DigestMinAgeDays,
		AllocationEpsilon:      s.AllocationEpsilon,
	}
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	VarianceTolerance      *decimal.Decimal `json:"variance_tolerance"`
	EngineMode             *string          `json:"engine_mode"`
	IncludeFutureSchedules *bool            `json:"include_future_schedules"`
	AutoMatchThreshold     *decimal.Decimal `json:"auto_match_threshold"`
	CandidateLimit         *int             `json:"candidate_limit"`
	DateWindowDays         *int             `json:"date_window_days"`
	DigestMinAgeDays       *int             `json:"digest_min_age_days"`
	AllocationEpsilon      *decimal.Decimal `json:"allocation_epsilon"`
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantSettings, error)
	Upsert(ctx context.Context, db *gorm.DB, settings *TenantSettings) error
}

type Service interface {
	// Resolve returns the effective settings for the tenant. Engine calls
	// read this once and pass the value down.
	Resolve(ctx context.Context, tenantID snowflake.ID) (recdomain.Settings, error)
	Update(ctx context.Context, tenantID snowflake.ID, req UpdateRequest) (recdomain.Settings, error)
}
