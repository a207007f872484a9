// Package testing builds in-memory reconciliation fixtures for tests.
package testing

import (
	"fmt"
	"strings"
	stdtesting "testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/events"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	settingsdomain "github.com/smallbiznis/depositrecon/internal/settings/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const TenantID snowflake.ID = 1

// Fixture is a migrated in-memory database plus the ambient pieces every
// reconciliation test needs.
type Fixture struct {
	T     *stdtesting.T
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock *clock.FakeClock
}

func New(t *stdtesting.T) *Fixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Deposit{},
		&domain.DepositLineItem{},
		&domain.RevenueSchedule{},
		&domain.DepositLineMatch{},
		&domain.DepositMatchGroup{},
		&flexdomain.FlexReviewItem{},
		&flexdomain.DigestDelivery{},
		&notificationdomain.Notification{},
		&notificationdomain.Preference{},
		&events.Event{},
		&auditdomain.AuditLog{},
		&settingsdomain.TenantSettings{},
	))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Fixture{
		T:     t,
		DB:    db,
		Node:  node,
		Clock: clock.NewFakeClock(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)),
	}
}

// Settings are the defaults used by the engine tests.
func Settings() domain.Settings {
	return domain.Settings{
		TenantID:           TenantID,
		VarianceTolerance:  decimal.RequireFromString("0.05"),
		EngineMode:         domain.EngineModeHierarchical,
		AutoMatchThreshold: decimal.RequireFromString("0.95"),
		CandidateLimit:     10,
		DateWindowDays:     31,
		DigestMinAgeDays:   3,
		AllocationEpsilon:  allocation.Epsilon,
	}
}

func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *Fixture) Deposit(name string) domain.Deposit {
	now := f.Clock.Now()
	deposit := domain.Deposit{
		ID:        f.Node.Generate(),
		TenantID:  TenantID,
		Name:      name,
		PayerName: "Acme Carrier",
		Status:    domain.DepositStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(f.T, f.DB.Create(&deposit).Error)
	return deposit
}

// Line inserts an unmatched line with its remainders equal to the raw
// amounts.
func (f *Fixture) Line(deposit domain.Deposit, number int, account, product, usage, commission string) domain.DepositLineItem {
	now := f.Clock.Now()
	paid := now
	line := domain.DepositLineItem{
		ID:                    f.Node.Generate(),
		TenantID:              TenantID,
		DepositID:             deposit.ID,
		LineNumber:            number,
		AccountName:           account,
		ProductName:           product,
		PaymentDate:           &paid,
		Usage:                 D(usage),
		Commission:            D(commission),
		UsageAllocated:        decimal.Zero,
		UsageUnallocated:      D(usage),
		CommissionAllocated:   decimal.Zero,
		CommissionUnallocated: D(commission),
		Status:                domain.LineStatusUnmatched,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(f.T, f.DB.Create(&line).Error)
	return line
}

func (f *Fixture) Schedule(account, product, usage, commission string, date time.Time) domain.RevenueSchedule {
	now := f.Clock.Now()
	schedule := domain.RevenueSchedule{
		ID:                 f.Node.Generate(),
		TenantID:           TenantID,
		AccountName:        account,
		ProductName:        product,
		ScheduleDate:       date,
		ExpectedUsage:      D(usage),
		ExpectedCommission: D(commission),
		ActualUsage:        decimal.Zero,
		ActualCommission:   decimal.Zero,
		Status:             domain.ScheduleStatusOpen,
		FlexClassification: domain.FlexClassificationNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(f.T, f.DB.Create(&schedule).Error)
	return schedule
}

// Applied inserts an active group holding one applied match.
func (f *Fixture) Applied(line domain.DepositLineItem, schedule domain.RevenueSchedule, usage, commission string) domain.DepositLineMatch {
	now := f.Clock.Now()
	group := domain.DepositMatchGroup{
		ID:        f.Node.Generate(),
		TenantID:  TenantID,
		DepositID: line.DepositID,
		MatchType: domain.MatchTypeOneToOne,
		Source:    domain.MatchSourceManual,
		Status:    domain.MatchGroupStatusActive,
		CreatedBy: "user:fixture",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(f.T, f.DB.Create(&group).Error)

	match := domain.DepositLineMatch{
		ID:                f.Node.Generate(),
		TenantID:          TenantID,
		MatchGroupID:      group.ID,
		DepositID:         line.DepositID,
		LineItemID:        line.ID,
		RevenueScheduleID: schedule.ID,
		Status:            domain.MatchStatusApplied,
		UsageAmount:       D(usage),
		CommissionAmount:  D(commission),
		Confidence:        decimal.NewFromInt(1),
		Source:            domain.MatchSourceManual,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(f.T, f.DB.Create(&match).Error)
	return match
}

func (f *Fixture) ReloadLine(id snowflake.ID) domain.DepositLineItem {
	var line domain.DepositLineItem
	require.NoError(f.T, f.DB.First(&line, "id = ?", id).Error)
	return line
}

func (f *Fixture) ReloadSchedule(id snowflake.ID) domain.RevenueSchedule {
	var schedule domain.RevenueSchedule
	require.NoError(f.T, f.DB.First(&schedule, "id = ?", id).Error)
	return schedule
}

func (f *Fixture) ReloadDeposit(id snowflake.ID) domain.Deposit {
	var deposit domain.Deposit
	require.NoError(f.T, f.DB.First(&deposit, "id = ?", id).Error)
	return deposit
}

func (f *Fixture) Count(model any, query string, args ...any) int64 {
	var n int64
	stmt := f.DB.Model(model)
	if query != "" {
		stmt = stmt.Where(query, args...)
	}
	require.NoError(f.T, stmt.Count(&n).Error)
	return n
}

// AssertConserved checks, on every non-ignored line of the deposit, that
// allocated+unallocated equals the raw amount and that the allocation never
// exceeds it.
func (f *Fixture) AssertConserved(depositID snowflake.ID) {
	f.T.Helper()
	var lines []domain.DepositLineItem
	require.NoError(f.T, f.DB.Where("deposit_id = ?", depositID).Find(&lines).Error)
	for _, line := range lines {
		if line.Status == domain.LineStatusIgnored {
			continue
		}
		usage := line.UsageAllocated.Add(line.UsageUnallocated)
		commission := line.CommissionAllocated.Add(line.CommissionUnallocated)
		require.Truef(f.T, allocation.Equal(usage, line.Usage, allocation.Epsilon),
			"line %s usage not conserved: %s+%s != %s", line.ID, line.UsageAllocated, line.UsageUnallocated, line.Usage)
		require.Truef(f.T, allocation.Equal(commission, line.Commission, allocation.Epsilon),
			"line %s commission not conserved: %s+%s != %s", line.ID, line.CommissionAllocated, line.CommissionUnallocated, line.Commission)
		require.Truef(f.T, allocation.LessOrEqual(line.UsageAllocated.Abs(), line.Usage.Abs(), allocation.Epsilon),
			"line %s usage over-allocated: %s exceeds %s", line.ID, line.UsageAllocated, line.Usage)
		require.Truef(f.T, allocation.LessOrEqual(line.CommissionAllocated.Abs(), line.Commission.Abs(), allocation.Epsilon),
			"line %s commission over-allocated: %s exceeds %s", line.ID, line.CommissionAllocated, line.Commission)
	}
}
