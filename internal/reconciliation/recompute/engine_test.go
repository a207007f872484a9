package recompute

import (
	"context"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/flexreview/queue"
	flexrepo "github.com/smallbiznis/depositrecon/internal/flexreview/repository"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/repository"
	rectesting "github.com/smallbiznis/depositrecon/internal/reconciliation/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newEngine(f *rectesting.Fixture) *Engine {
	log := zap.NewNop()
	return NewEngine(Params{
		Log:   log,
		GenID: f.Node,
		Clock: f.Clock,
		Repo:  repository.Provide(),
		Queue: queue.New(queue.Params{Log: log, GenID: f.Node, Clock: f.Clock, Repo: flexrepo.Provide()}),
	})
}

func cascade(t *testing.T, f *rectesting.Fixture, e *Engine, targets Targets) Result {
	t.Helper()
	var result Result
	err := f.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = e.Cascade(context.Background(), tx, rectesting.Settings(), targets)
		return err
	})
	require.NoError(t, err)
	return result
}

func TestCascadeOneToOne(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	schedule := f.Schedule("Acme Corp", "Fiber", "100", "10", f.Clock.Now())
	f.Applied(line, schedule, "100", "10")

	result := cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}})
	require.Len(t, result.Lines, 1)
	require.Len(t, result.Schedules, 1)
	require.Len(t, result.Deposits, 1)

	gotLine := f.ReloadLine(line.ID)
	assert.Equal(t, domain.LineStatusMatched, gotLine.Status)
	assert.True(t, gotLine.UsageAllocated.Equal(rectesting.D("100")))
	assert.True(t, gotLine.UsageUnallocated.IsZero())
	require.NotNil(t, gotLine.PrimaryRevenueScheduleID)
	assert.Equal(t, schedule.ID, *gotLine.PrimaryRevenueScheduleID)

	gotSchedule := f.ReloadSchedule(schedule.ID)
	assert.Equal(t, domain.ScheduleStatusReconciled, gotSchedule.Status)
	assert.Equal(t, domain.FlexClassificationNone, gotSchedule.FlexClassification)

	gotDeposit := f.ReloadDeposit(deposit.ID)
	assert.Equal(t, domain.DepositStatusCompleted, gotDeposit.Status)
	assert.Equal(t, 1, gotDeposit.MatchedItems)
	assert.Equal(t, 1, gotDeposit.UnreconciledItems)
	f.AssertConserved(deposit.ID)
}

func TestCascadeIsIdempotent(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	schedule := f.Schedule("Acme Corp", "Fiber", "60", "6", f.Clock.Now())
	f.Applied(line, schedule, "60", "6")

	targets := Targets{LineIDs: []snowflake.ID{line.ID}}
	cascade(t, f, e, targets)
	first := f.ReloadLine(line.ID)
	firstSchedule := f.ReloadSchedule(schedule.ID)
	firstDeposit := f.ReloadDeposit(deposit.ID)

	f.Clock.Advance(time.Hour)
	cascade(t, f, e, targets)

	second := f.ReloadLine(line.ID)
	assert.Equal(t, domain.LineStatusPartiallyMatched, second.Status)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "line rewritten on a no-op recompute")
	assert.True(t, firstSchedule.UpdatedAt.Equal(f.ReloadSchedule(schedule.ID).UpdatedAt))
	assert.True(t, firstDeposit.UpdatedAt.Equal(f.ReloadDeposit(deposit.ID).UpdatedAt))
	assert.Equal(t, domain.DepositStatusInReview, firstDeposit.Status)
}

func TestNegativeLineGetsOneChargeback(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "-50", "-5")

	for i := 0; i < 3; i++ {
		err := f.DB.Transaction(func(tx *gorm.DB) error {
			_, err := e.RebuildDeposit(context.Background(), tx, rectesting.Settings(), deposit.ID)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.Count(&domain.RevenueSchedule{}, "flex_source_line_id = ?", line.ID))
	assert.Equal(t, int64(1), f.Count(&flexdomain.FlexReviewItem{}, ""))
	assert.Equal(t, int64(1), f.Count(&domain.DepositLineMatch{}, "status = ?", domain.MatchStatusSuggested))
	assert.Equal(t, int64(1), f.Count(&domain.DepositMatchGroup{}, "created_by = ?", "system"))

	var schedule domain.RevenueSchedule
	require.NoError(t, f.DB.Where("flex_source_line_id = ?", line.ID).First(&schedule).Error)
	assert.Equal(t, domain.FlexClassificationFlexChargeback, schedule.FlexClassification)
	assert.Equal(t, domain.FlexReasonNegativeUsage, *schedule.FlexReasonCode)
	assert.True(t, schedule.ExpectedUsage.Equal(rectesting.D("-50")))

	var item flexdomain.FlexReviewItem
	require.NoError(t, f.DB.First(&item).Error)
	assert.Equal(t, schedule.ID, item.RevenueScheduleID)
	assert.Equal(t, flexdomain.ItemStatusOpen, item.Status)
	require.NotNil(t, item.SourceLineID)
	assert.Equal(t, line.ID, *item.SourceLineID)

	got := f.ReloadLine(line.ID)
	assert.Equal(t, domain.LineStatusUnmatched, got.Status)
	assert.True(t, got.HasSuggestedMatches)
	assert.Equal(t, domain.DepositStatusInReview, f.ReloadDeposit(deposit.ID).Status)
}

func TestOverpaidScheduleIsFlexProduct(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "150", "15")
	schedule := f.Schedule("Acme Corp", "Fiber", "100", "10", f.Clock.Now())
	f.Applied(line, schedule, "150", "15")

	cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}})

	got := f.ReloadSchedule(schedule.ID)
	assert.Equal(t, domain.ScheduleStatusOverpaid, got.Status)
	assert.Equal(t, domain.FlexClassificationFlexProduct, got.FlexClassification)

	var item flexdomain.FlexReviewItem
	require.NoError(t, f.DB.Where("revenue_schedule_id = ?", schedule.ID).First(&item).Error)
	assert.Equal(t, domain.FlexClassificationFlexProduct, item.Classification)
	require.NotNil(t, item.SourceDepositID)
	assert.Equal(t, deposit.ID, *item.SourceDepositID)
}

func TestScheduleBackToNoneResolvesItem(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "150", "15")
	schedule := f.Schedule("Acme Corp", "Fiber", "100", "10", f.Clock.Now())
	match := f.Applied(line, schedule, "150", "15")
	cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}})

	require.NoError(t, f.DB.Delete(&domain.DepositLineMatch{}, "id = ?", match.ID).Error)
	cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}, ScheduleIDs: []snowflake.ID{schedule.ID}})

	assert.Equal(t, domain.FlexClassificationNone, f.ReloadSchedule(schedule.ID).FlexClassification)
	var item flexdomain.FlexReviewItem
	require.NoError(t, f.DB.Where("revenue_schedule_id = ?", schedule.ID).First(&item).Error)
	assert.Equal(t, flexdomain.ItemStatusResolved, item.Status)
	require.NotNil(t, item.Notes)
	assert.Equal(t, flexClearedNote, *item.Notes)
}

func TestAllocatedLineWithdrawsChargeback(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "-100", "-10")
	cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}})

	var flexSchedule domain.RevenueSchedule
	require.NoError(t, f.DB.Where("flex_source_line_id = ?", line.ID).First(&flexSchedule).Error)

	other := f.Schedule("Acme Corp", "Fiber", "-60", "-6", f.Clock.Now())
	f.Applied(line, other, "-60", "-6")
	cascade(t, f, e, Targets{LineIDs: []snowflake.ID{line.ID}})

	assert.Equal(t, int64(0), f.Count(&domain.DepositLineMatch{}, "revenue_schedule_id = ?", flexSchedule.ID))
	assert.NotNil(t, f.ReloadSchedule(flexSchedule.ID).DeletedAt)
	var item flexdomain.FlexReviewItem
	require.NoError(t, f.DB.Where("revenue_schedule_id = ?", flexSchedule.ID).First(&item).Error)
	assert.Equal(t, flexdomain.ItemStatusResolved, item.Status)
	assert.Equal(t, int64(1), f.Count(&domain.DepositMatchGroup{}, "status = ?", domain.MatchGroupStatusUndone))

	got := f.ReloadLine(line.ID)
	assert.Equal(t, domain.LineStatusPartiallyMatched, got.Status)
	assert.True(t, got.UsageAllocated.Equal(rectesting.D("-60")))
	f.AssertConserved(deposit.ID)
}

func TestRecomputeLineRejectsReconciled(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	deposit := f.Deposit("June")
	line := f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	require.NoError(t, f.DB.Model(&domain.DepositLineItem{}).Where("id = ?", line.ID).Update("reconciled", true).Error)

	err := f.DB.Transaction(func(tx *gorm.DB) error {
		_, err := e.RecomputeLine(context.Background(), tx, rectesting.Settings(), line.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrLineReconciled)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRecomputeLineNotFound(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)

	_, err := e.RecomputeLine(context.Background(), f.DB, rectesting.Settings(), 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Stored line state always equals the pure derivation after a cascade.
func TestStoredLineStateMatchesDerivation(t *testing.T) {
	f := rectesting.New(t)
	e := newEngine(f)
	rng := rand.New(rand.NewSource(7))

	deposit := f.Deposit("June")
	schedules := []domain.RevenueSchedule{
		f.Schedule("Acme Corp", "Fiber", "100", "10", f.Clock.Now()),
		f.Schedule("Acme Corp", "Voice", "80", "8", f.Clock.Now()),
		f.Schedule("Beta LLC", "Fiber", "40", "4", f.Clock.Now()),
	}

	var lineIDs []snowflake.ID
	for i := 1; i <= 12; i++ {
		usage := rng.Intn(200) + 1
		line := f.Line(deposit, i, "Acme Corp", "Fiber", itoa(usage), itoa(usage/10))
		lineIDs = append(lineIDs, line.ID)
		left := usage
		for j := rng.Intn(3); j > 0 && left > 0; j-- {
			part := rng.Intn(left) + 1
			left -= part
			f.Applied(line, schedules[rng.Intn(len(schedules))], itoa(part), itoa(part/10))
		}
	}

	cascade(t, f, e, Targets{LineIDs: lineIDs})

	for _, id := range lineIDs {
		stored := f.ReloadLine(id)
		var matches []domain.DepositLineMatch
		require.NoError(t, f.DB.Where("line_item_id = ?", id).Find(&matches).Error)
		want := allocation.DeriveLineState(stored, matches, allocation.Epsilon)
		assert.Truef(t, want.Matches(stored), "line %s diverges from derivation", id)
	}
	f.AssertConserved(deposit.ID)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
