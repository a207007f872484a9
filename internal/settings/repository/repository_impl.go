package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.TenantSettings, error) {
	var row domain.TenantSettings
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, settings *domain.TenantSettings) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"variance_tolerance",
			"engine_mode",
			"include_future_schedules",
			"auto_match_threshold",
			"candidate_limit",
			"date_window_days",
			"digest_min_age_days",
			"allocation_epsilon",
			"updated_by",
			"updated_at",
		}),
	}).Create(settings).Error
}
