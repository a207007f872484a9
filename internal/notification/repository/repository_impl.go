package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/notification/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertMany(ctx context.Context, db *gorm.DB, items []domain.Notification) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) ListForUser(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, userID string, limit int) ([]domain.Notification, error) {
	var items []domain.Notification
	stmt := db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("created_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&items).Error
	return items, err
}

func (r *repo) GetPreference(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, userID string) (*domain.Preference, error) {
	var pref domain.Preference
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Take(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (r *repo) UpsertPreference(ctx context.Context, db *gorm.DB, pref *domain.Preference) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "digest_emails", "updated_at"}),
	}).Create(pref).Error
}
