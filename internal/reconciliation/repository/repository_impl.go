package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func first[T any](stmt *gorm.DB) (*T, error) {
	var row T
	if err := stmt.Take(&row).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repo) GetDeposit(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.Deposit, error) {
	return first[domain.Deposit](conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) LockDeposit(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.Deposit, error) {
	return first[domain.Deposit](db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) SaveDeposit(ctx context.Context, conn *gorm.DB, deposit *domain.Deposit) error {
	return conn.WithContext(ctx).Save(deposit).Error
}

func (r *repo) DeleteDeposit(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) error {
	return conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Delete(&domain.Deposit{}).Error
}

func (r *repo) GetLine(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.DepositLineItem, error) {
	return first[domain.DepositLineItem](conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) LockLine(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.DepositLineItem, error) {
	return first[domain.DepositLineItem](db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) LockLines(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]domain.DepositLineItem, error) {
	var lines []domain.DepositLineItem
	if len(ids) == 0 {
		return lines, nil
	}
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("id asc").
		Find(&lines).Error
	return lines, err
}

func (r *repo) ListLinesByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) ([]domain.DepositLineItem, error) {
	var lines []domain.DepositLineItem
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Order("line_number asc, id asc").
		Find(&lines).Error
	return lines, err
}

func (r *repo) ListLines(ctx context.Context, conn *gorm.DB, filter domain.LineFilter) ([]domain.DepositLineItem, error) {
	stmt := conn.WithContext(ctx).Where("tenant_id = ? AND reconciled = ?", filter.TenantID, false)
	if len(filter.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", filter.Statuses)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id > ?", filter.AfterID)
	}
	stmt = stmt.Order("id asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var lines []domain.DepositLineItem
	err := stmt.Find(&lines).Error
	return lines, err
}

func (r *repo) SaveLine(ctx context.Context, conn *gorm.DB, line *domain.DepositLineItem) error {
	return conn.WithContext(ctx).Save(line).Error
}

func (r *repo) SetLineSuggestions(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID, has bool, now time.Time) error {
	return conn.WithContext(ctx).Model(&domain.DepositLineItem{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Updates(map[string]any{
			"has_suggested_matches": has,
			"updated_at":            now,
		}).Error
}

func (r *repo) SetLinesReconciled(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID, at *time.Time, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Model(&domain.DepositLineItem{}).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Updates(map[string]any{
			"reconciled":    at != nil,
			"reconciled_at": at,
			"updated_at":    now,
		}).Error
}

func (r *repo) DeleteLinesByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) error {
	return conn.WithContext(ctx).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Delete(&domain.DepositLineItem{}).Error
}

func (r *repo) ListTenantsWithUnmatchedLines(ctx context.Context, conn *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := conn.WithContext(ctx).Model(&domain.DepositLineItem{}).
		Where("status = ? AND reconciled = ?", domain.LineStatusUnmatched, false).
		Distinct("tenant_id").
		Order("tenant_id asc").
		Pluck("tenant_id", &ids).Error
	return ids, err
}

func (r *repo) GetSchedule(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.RevenueSchedule, error) {
	return first[domain.RevenueSchedule](conn.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) LockSchedule(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.RevenueSchedule, error) {
	return first[domain.RevenueSchedule](db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) ListSchedules(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]domain.RevenueSchedule, error) {
	var schedules []domain.RevenueSchedule
	if len(ids) == 0 {
		return schedules, nil
	}
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND id IN ? AND deleted_at IS NULL", tenantID, ids).
		Order("schedule_date asc, id asc").
		Find(&schedules).Error
	return schedules, err
}

func (r *repo) FindScheduleByFlexSourceLine(ctx context.Context, conn *gorm.DB, tenantID, lineID snowflake.ID) (*domain.RevenueSchedule, error) {
	return first[domain.RevenueSchedule](conn.WithContext(ctx).
		Where("tenant_id = ? AND flex_source_line_id = ? AND deleted_at IS NULL", tenantID, lineID).
		Order("id asc"))
}

func (r *repo) FindCandidateSchedules(ctx context.Context, conn *gorm.DB, q domain.ScheduleQuery) ([]domain.RevenueSchedule, error) {
	stmt := conn.WithContext(ctx).
		Where("tenant_id = ?", q.TenantID).
		Where("deleted_at IS NULL").
		Where("flex_source_line_id IS NULL").
		Where("status <> ?", domain.ScheduleStatusReconciled)

	if name := strings.TrimSpace(q.AccountName); name != "" {
		stmt = stmt.Where("LOWER(account_name) = ?", strings.ToLower(name))
	}
	if prefix := strings.TrimSpace(q.AccountPrefix); prefix != "" {
		stmt = stmt.Where(`LOWER(account_name) LIKE ? ESCAPE '\'`, escapeLike(strings.ToLower(prefix))+"%")
	}
	if product := strings.TrimSpace(q.ProductName); product != "" {
		stmt = stmt.Where("LOWER(product_name) = ?", strings.ToLower(product))
	}
	if q.From != nil {
		stmt = stmt.Where("schedule_date >= ?", q.From.UTC())
	}
	if q.To != nil {
		stmt = stmt.Where("schedule_date <= ?", q.To.UTC())
	}
	stmt = stmt.Order("schedule_date asc, id asc")
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}

	var schedules []domain.RevenueSchedule
	err := stmt.Find(&schedules).Error
	return schedules, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *repo) CreateSchedule(ctx context.Context, conn *gorm.DB, schedule *domain.RevenueSchedule) error {
	return conn.WithContext(ctx).Create(schedule).Error
}

func (r *repo) SaveSchedule(ctx context.Context, conn *gorm.DB, schedule *domain.RevenueSchedule) error {
	return conn.WithContext(ctx).Save(schedule).Error
}

func (r *repo) ListMatchesByLines(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, lineIDs []snowflake.ID) ([]domain.DepositLineMatch, error) {
	var matches []domain.DepositLineMatch
	if len(lineIDs) == 0 {
		return matches, nil
	}
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND line_item_id IN ?", tenantID, lineIDs).
		Order("id asc").
		Find(&matches).Error
	return matches, err
}

func (r *repo) ListMatchesBySchedules(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, scheduleIDs []snowflake.ID) ([]domain.DepositLineMatch, error) {
	var matches []domain.DepositLineMatch
	if len(scheduleIDs) == 0 {
		return matches, nil
	}
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND revenue_schedule_id IN ?", tenantID, scheduleIDs).
		Order("id asc").
		Find(&matches).Error
	return matches, err
}

func (r *repo) ListMatchesByGroup(ctx context.Context, conn *gorm.DB, tenantID, groupID snowflake.ID) ([]domain.DepositLineMatch, error) {
	var matches []domain.DepositLineMatch
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND match_group_id = ?", tenantID, groupID).
		Order("id asc").
		Find(&matches).Error
	return matches, err
}

func (r *repo) ListMatchesByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) ([]domain.DepositLineMatch, error) {
	var matches []domain.DepositLineMatch
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Order("id asc").
		Find(&matches).Error
	return matches, err
}

func (r *repo) CountMatchesByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Model(&domain.DepositLineMatch{}).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Count(&count).Error
	return count, err
}

func (r *repo) FindSuggestedMatch(ctx context.Context, conn *gorm.DB, tenantID, lineID, scheduleID snowflake.ID) (*domain.DepositLineMatch, error) {
	return first[domain.DepositLineMatch](db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND line_item_id = ? AND revenue_schedule_id = ? AND status = ?",
			tenantID, lineID, scheduleID, domain.MatchStatusSuggested).
		Order("id asc"))
}

func (r *repo) CreateMatches(ctx context.Context, conn *gorm.DB, matches []domain.DepositLineMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Create(&matches).Error
}

func (r *repo) SaveMatch(ctx context.Context, conn *gorm.DB, match *domain.DepositLineMatch) error {
	return conn.WithContext(ctx).Save(match).Error
}

// SetMatchesReconciled flips the reconciled flag on the deposit's applied
// matches. A nil at clears it; now stamps updated_at.
func (r *repo) SetMatchesReconciled(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID, at *time.Time, now time.Time) error {
	return conn.WithContext(ctx).Model(&domain.DepositLineMatch{}).
		Where("tenant_id = ? AND deposit_id = ? AND status = ?", tenantID, depositID, domain.MatchStatusApplied).
		Updates(map[string]any{
			"reconciled":    at != nil,
			"reconciled_at": at,
			"updated_at":    now,
		}).Error
}

func (r *repo) DeleteMatchesByGroup(ctx context.Context, conn *gorm.DB, tenantID, groupID snowflake.ID) error {
	return conn.WithContext(ctx).
		Where("tenant_id = ? AND match_group_id = ?", tenantID, groupID).
		Delete(&domain.DepositLineMatch{}).Error
}

func (r *repo) DeleteMatchesByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) error {
	return conn.WithContext(ctx).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Delete(&domain.DepositLineMatch{}).Error
}

func (r *repo) CreateGroup(ctx context.Context, conn *gorm.DB, group *domain.DepositMatchGroup) error {
	return conn.WithContext(ctx).Create(group).Error
}

func (r *repo) LockGroup(ctx context.Context, conn *gorm.DB, tenantID, id snowflake.ID) (*domain.DepositMatchGroup, error) {
	return first[domain.DepositMatchGroup](db.ForUpdate(conn.WithContext(ctx)).
		Where("tenant_id = ? AND id = ?", tenantID, id))
}

func (r *repo) SaveGroup(ctx context.Context, conn *gorm.DB, group *domain.DepositMatchGroup) error {
	return conn.WithContext(ctx).Save(group).Error
}

func (r *repo) DeleteGroupsByDeposit(ctx context.Context, conn *gorm.DB, tenantID, depositID snowflake.ID) error {
	return conn.WithContext(ctx).
		Where("tenant_id = ? AND deposit_id = ?", tenantID, depositID).
		Delete(&domain.DepositMatchGroup{}).Error
}
