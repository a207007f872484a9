package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBySchedule(ctx context.Context, conn *gorm.DB, tenantID, scheduleID snowflake.ID) (*domain.FlexReviewItem, error) {
	var item domain.FlexReviewItem
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND revenue_schedule_id = ?", tenantID, scheduleID).
		Take(&item).Error
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) Lock(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.FlexReviewItem, error) {
	var item domain.FlexReviewItem
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&item).Error
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, item *domain.FlexReviewItem) error {
	return conn.WithContext(ctx).Create(item).Error
}

func (r *repo) Save(ctx context.Context, conn *gorm.DB, item *domain.FlexReviewItem) error {
	return conn.WithContext(ctx).Save(item).Error
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ItemFilter) ([]*domain.FlexReviewItem, error) {
	stmt := conn.WithContext(ctx).Model(&domain.FlexReviewItem{}).
		Where("tenant_id = ?", filter.TenantID)

	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if assignee := strings.TrimSpace(filter.AssignedToUserID); assignee != "" {
		stmt = stmt.Where("assigned_to_user_id = ?", assignee)
	} else if filter.Unassigned {
		stmt = stmt.Where("assigned_to_user_id IS NULL")
	}
	if filter.CreatedBefore != nil {
		stmt = stmt.Where("created_at <= ?", filter.CreatedBefore.UTC())
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var items []*domain.FlexReviewItem
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListOpen(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID) ([]domain.FlexReviewItem, error) {
	var items []domain.FlexReviewItem
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, domain.ItemStatusOpen).
		Order("created_at asc, id asc").
		Find(&items).Error
	return items, err
}

func (r *repo) ListTenantsWithOpenItems(ctx context.Context, conn *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Model(&domain.FlexReviewItem{}).
		Where("status = ?", domain.ItemStatusOpen).
		Distinct("tenant_id").
		Order("tenant_id asc").
		Pluck("tenant_id", &ids).Error
	return ids, err
}

func (r *repo) HasDelivery(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, userID, date string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).Model(&domain.DigestDelivery{}).
		Where("tenant_id = ? AND user_id = ? AND digest_date = ?", tenantID, userID, date).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) InsertDelivery(ctx context.Context, conn *gorm.DB, delivery *domain.DigestDelivery) error {
	return conn.WithContext(ctx).Create(delivery).Error
}
