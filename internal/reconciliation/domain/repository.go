package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ScheduleQuery narrows the schedules a candidate search looks at. Empty
// fields do not filter. Soft-deleted, flex-created and reconciled schedules
// are always excluded.
type ScheduleQuery struct {
	TenantID      snowflake.ID
	AccountName   string
	AccountPrefix string
	ProductName   string
	From          *time.Time
	To            *time.Time
	Limit         int
}

// LineFilter selects lines for the background jobs.
type LineFilter struct {
	TenantID snowflake.ID
	Statuses []LineStatus
	AfterID  snowflake.ID
	Limit    int
}

// Repository is stateless; every method runs on the handle it is given so
// callers decide the transaction. Single-row getters return nil, nil when
// the row does not exist.
type Repository interface {
	GetDeposit(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Deposit, error)
	LockDeposit(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Deposit, error)
	SaveDeposit(ctx context.Context, db *gorm.DB, deposit *Deposit) error
	DeleteDeposit(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) error

	GetLine(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*DepositLineItem, error)
	LockLine(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*DepositLineItem, error)
	LockLines(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]DepositLineItem, error)
	ListLinesByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) ([]DepositLineItem, error)
	ListLines(ctx context.Context, db *gorm.DB, filter LineFilter) ([]DepositLineItem, error)
	SaveLine(ctx context.Context, db *gorm.DB, line *DepositLineItem) error
	SetLineSuggestions(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, has bool, now time.Time) error
	SetLinesReconciled(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID, at *time.Time, now time.Time) error
	DeleteLinesByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) error
	ListTenantsWithUnmatchedLines(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)

	GetSchedule(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*RevenueSchedule, error)
	LockSchedule(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*RevenueSchedule, error)
	ListSchedules(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]RevenueSchedule, error)
	FindScheduleByFlexSourceLine(ctx context.Context, db *gorm.DB, tenantID, lineID snowflake.ID) (*RevenueSchedule, error)
	FindCandidateSchedules(ctx context.Context, db *gorm.DB, q ScheduleQuery) ([]RevenueSchedule, error)
	CreateSchedule(ctx context.Context, db *gorm.DB, schedule *RevenueSchedule) error
	SaveSchedule(ctx context.Context, db *gorm.DB, schedule *RevenueSchedule) error

	ListMatchesByLines(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, lineIDs []snowflake.ID) ([]DepositLineMatch, error)
	ListMatchesBySchedules(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, scheduleIDs []snowflake.ID) ([]DepositLineMatch, error)
	ListMatchesByGroup(ctx context.Context, db *gorm.DB, tenantID, groupID snowflake.ID) ([]DepositLineMatch, error)
	ListMatchesByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) ([]DepositLineMatch, error)
	CountMatchesByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) (int64, error)
	FindSuggestedMatch(ctx context.Context, db *gorm.DB, tenantID, lineID, scheduleID snowflake.ID) (*DepositLineMatch, error)
	CreateMatches(ctx context.Context, db *gorm.DB, matches []DepositLineMatch) error
	SaveMatch(ctx context.Context, db *gorm.DB, match *DepositLineMatch) error
	SetMatchesReconciled(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID, at *time.Time, now time.Time) error
	DeleteMatchesByGroup(ctx context.Context, db *gorm.DB, tenantID, groupID snowflake.ID) error
	DeleteMatchesByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) error

	CreateGroup(ctx context.Context, db *gorm.DB, group *DepositMatchGroup) error
	LockGroup(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*DepositMatchGroup, error)
	SaveGroup(ctx context.Context, db *gorm.DB, group *DepositMatchGroup) error
	DeleteGroupsByDeposit(ctx context.Context, db *gorm.DB, tenantID, depositID snowflake.ID) error
}
