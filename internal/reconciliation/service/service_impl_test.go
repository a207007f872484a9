package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	auditrepo "github.com/smallbiznis/depositrecon/internal/audit/repository"
	auditservice "github.com/smallbiznis/depositrecon/internal/audit/service"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/config"
	"github.com/smallbiznis/depositrecon/internal/events"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/flexreview/queue"
	flexrepo "github.com/smallbiznis/depositrecon/internal/flexreview/repository"
	"github.com/smallbiznis/depositrecon/internal/observability/metrics"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/recompute"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/repository"
	rectesting "github.com/smallbiznis/depositrecon/internal/reconciliation/testing"
	settingsrepo "github.com/smallbiznis/depositrecon/internal/settings/repository"
	settingsservice "github.com/smallbiznis/depositrecon/internal/settings/service"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	f   *rectesting.Fixture
	svc domain.Service
	reg *prometheus.Registry
}

func setup(t *testing.T) *harness {
	t.Helper()
	f := rectesting.New(t)
	log := zap.NewNop()

	outbox := events.NewOutbox(events.Params{Log: log, GenID: f.Node, Clock: f.Clock})
	repo := repository.Provide()
	engine := recompute.NewEngine(recompute.Params{
		Log:   log,
		GenID: f.Node,
		Clock: f.Clock,
		Repo:  repo,
		Queue: queue.New(queue.Params{Log: log, GenID: f.Node, Clock: f.Clock, Repo: flexrepo.Provide(), Events: outbox}),
	})
	reg := prometheus.NewRegistry()
	m := metrics.NewReconciliationMetrics(reg)

	svc := NewService(Params{
		DB:     f.DB,
		Log:    log,
		GenID:  f.Node,
		Clock:  f.Clock,
		Repo:   repo,
		Engine: engine,
		Settings: settingsservice.NewService(settingsservice.Params{
			DB:       f.DB,
			Log:      log,
			Clock:    f.Clock,
			Repo:     settingsrepo.Provide(),
			Defaults: config.NewStaticReconciliationConfigHolder(config.DefaultReconciliationDefaults()),
		}),
		AuditSvc: auditservice.NewService(auditservice.Params{
			DB:    f.DB,
			Log:   log,
			GenID: f.Node,
			Clock: f.Clock,
			Repo:  auditrepo.Provide(),
		}),
		Events:  outbox,
		Metrics: m,
	})
	return &harness{f: f, svc: svc, reg: reg}
}

func tenantCtx() context.Context {
	ctx := tenantcontext.WithTenantID(context.Background(), rectesting.TenantID)
	return auditcontext.WithActor(ctx, "user", "u1")
}

func ids(in ...snowflake.ID) []snowflake.ID { return in }

func TestApplyMatchGroup(t *testing.T) {
	t.Run("one to one 100/10", func(t *testing.T) {
		h := setup(t)
		deposit := h.f.Deposit("June")
		line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
		schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())

		result, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{LineIDs: ids(line.ID), ScheduleIDs: ids(schedule.ID)},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.MatchTypeOneToOne, result.Group.MatchType)
		assert.Equal(t, domain.MatchGroupStatusActive, result.Group.Status)
		assert.Equal(t, "u1", result.Group.CreatedBy)
		require.Len(t, result.Matches, 1)
		assert.True(t, result.Matches[0].UsageAmount.Equal(rectesting.D("100")))
		assert.True(t, result.Matches[0].CommissionAmount.Equal(rectesting.D("10")))
		require.NotNil(t, result.Deposit)

		gotLine := h.f.ReloadLine(line.ID)
		assert.Equal(t, domain.LineStatusMatched, gotLine.Status)
		assert.True(t, gotLine.CommissionUnallocated.IsZero())
		gotSchedule := h.f.ReloadSchedule(schedule.ID)
		assert.Equal(t, domain.ScheduleStatusReconciled, gotSchedule.Status)
		assert.True(t, gotSchedule.ActualUsage.Equal(rectesting.D("100")))
		h.f.AssertConserved(deposit.ID)

		assert.Equal(t, int64(1), h.f.Count(&events.Event{}, "event_type = ?", events.TypeMatchGroupApplied))
		assert.Equal(t, int64(1), h.f.Count(&auditdomain.AuditLog{}, "action = ?", "match_group.apply"))
		series, err := testutil.GatherAndCount(h.reg, "depositrecon_match_groups_total")
		require.NoError(t, err)
		assert.Equal(t, 1, series)
	})

	t.Run("one to many splits 60/40", func(t *testing.T) {
		h := setup(t)
		deposit := h.f.Deposit("June")
		line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
		first := h.f.Schedule("Acme Corp", "Fiber", "60", "6", h.f.Clock.Now())
		second := h.f.Schedule("Acme Corp", "Fiber", "40", "4", h.f.Clock.Now())

		preview, err := h.svc.PreviewMatchGroup(tenantCtx(), domain.SelectionRequest{
			LineIDs:     ids(line.ID),
			ScheduleIDs: ids(first.ID, second.ID),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.MatchTypeOneToMany, preview.MatchType)
		assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineMatch{}, ""))

		result, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{
				MatchType:   domain.MatchTypeOneToMany,
				LineIDs:     ids(line.ID),
				ScheduleIDs: ids(first.ID, second.ID),
			},
		})
		require.NoError(t, err)
		require.Len(t, result.Matches, 2)

		byschedule := map[snowflake.ID]domain.DepositLineMatch{}
		for _, m := range result.Matches {
			byschedule[m.RevenueScheduleID] = m
		}
		assert.True(t, byschedule[first.ID].UsageAmount.Equal(rectesting.D("60")))
		assert.True(t, byschedule[first.ID].CommissionAmount.Equal(rectesting.D("6")))
		assert.True(t, byschedule[second.ID].UsageAmount.Equal(rectesting.D("40")))
		assert.True(t, byschedule[second.ID].CommissionAmount.Equal(rectesting.D("4")))

		assert.Equal(t, domain.LineStatusMatched, h.f.ReloadLine(line.ID).Status)
		assert.Equal(t, domain.ScheduleStatusReconciled, h.f.ReloadSchedule(first.ID).Status)
		assert.Equal(t, domain.ScheduleStatusReconciled, h.f.ReloadSchedule(second.ID).Status)
		h.f.AssertConserved(deposit.ID)
	})

	t.Run("stale selection cannot over allocate", func(t *testing.T) {
		h := setup(t)
		deposit := h.f.Deposit("June")
		line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
		schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
		req := domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{
				LineIDs:     ids(line.ID),
				ScheduleIDs: ids(schedule.ID),
				Allocations: []domain.Allocation{{
					LineItemID:        line.ID,
					RevenueScheduleID: schedule.ID,
					UsageAmount:       rectesting.D("80"),
					CommissionAmount:  rectesting.D("8"),
				}},
			},
		}
		_, err := h.svc.ApplyMatchGroup(tenantCtx(), req)
		require.NoError(t, err)

		_, err = h.svc.ApplyMatchGroup(tenantCtx(), req)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Equal(t, int64(1), h.f.Count(&domain.DepositMatchGroup{}, ""))
		h.f.AssertConserved(deposit.ID)
	})

	t.Run("rejects lines from two deposits", func(t *testing.T) {
		h := setup(t)
		a := h.f.Line(h.f.Deposit("June"), 1, "Acme Corp", "Fiber", "50", "5")
		b := h.f.Line(h.f.Deposit("July"), 1, "Acme Corp", "Fiber", "50", "5")
		schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())

		_, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{LineIDs: ids(a.ID, b.ID), ScheduleIDs: ids(schedule.ID)},
		})
		assert.ErrorIs(t, err, domain.ErrMixedDeposits)
		assert.Equal(t, int64(0), h.f.Count(&domain.DepositMatchGroup{}, ""))
	})

	t.Run("empty selection", func(t *testing.T) {
		h := setup(t)
		_, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{})
		assert.ErrorIs(t, err, domain.ErrEmptySelection)
	})

	t.Run("requires a tenant", func(t *testing.T) {
		h := setup(t)
		_, err := h.svc.ApplyMatchGroup(context.Background(), domain.ApplyMatchGroupRequest{})
		assert.ErrorIs(t, err, domain.ErrInvalidTenant)
	})
}

func TestUndoMatchGroup(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June")
	line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
	before := h.f.ReloadLine(line.ID)

	applied, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
		SelectionRequest: domain.SelectionRequest{LineIDs: ids(line.ID), ScheduleIDs: ids(schedule.ID)},
	})
	require.NoError(t, err)

	undone, err := h.svc.UndoMatchGroup(tenantCtx(), applied.Group.ID, "wrong schedule")
	require.NoError(t, err)
	assert.Equal(t, domain.MatchGroupStatusUndone, undone.Group.Status)
	require.NotNil(t, undone.Group.UndoneReason)
	assert.Equal(t, "wrong schedule", *undone.Group.UndoneReason)
	require.NotNil(t, undone.Group.UndoneBy)
	assert.Equal(t, "u1", *undone.Group.UndoneBy)

	after := h.f.ReloadLine(line.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.UsageAllocated.Equal(after.UsageAllocated))
	assert.True(t, before.UsageUnallocated.Equal(after.UsageUnallocated))
	assert.True(t, before.CommissionUnallocated.Equal(after.CommissionUnallocated))

	gotSchedule := h.f.ReloadSchedule(schedule.ID)
	assert.Equal(t, domain.ScheduleStatusOpen, gotSchedule.Status)
	assert.True(t, gotSchedule.ActualUsage.IsZero())
	assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineMatch{}, "match_group_id = ?", applied.Group.ID))
	assert.Equal(t, domain.DepositStatusPending, h.f.ReloadDeposit(deposit.ID).Status)

	_, err = h.svc.UndoMatchGroup(tenantCtx(), applied.Group.ID, "")
	assert.ErrorIs(t, err, domain.ErrMatchGroupNotActive)

	_, err = h.svc.UndoMatchGroup(tenantCtx(), 12345, "")
	assert.ErrorIs(t, err, domain.ErrMatchGroupNotFound)
}

func TestFinalizeDeposit(t *testing.T) {
	t.Run("open lines block finalize without mutating", func(t *testing.T) {
		h := setup(t)
		deposit := h.f.Deposit("June")
		matched := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
		h.f.Line(deposit, 2, "Globex", "Voice", "50", "5")
		schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
		_, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{LineIDs: ids(matched.ID), ScheduleIDs: ids(schedule.ID)},
		})
		require.NoError(t, err)
		before := h.f.ReloadDeposit(deposit.ID)

		_, err = h.svc.FinalizeDeposit(tenantCtx(), deposit.ID)
		assert.ErrorIs(t, err, domain.ErrDepositHasOpenLines)
		assert.Equal(t, domain.KindConflict, domain.KindOf(err))

		after := h.f.ReloadDeposit(deposit.ID)
		assert.Equal(t, before, after)
		assert.False(t, h.f.ReloadLine(matched.ID).Reconciled)
		assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineMatch{}, "reconciled = ?", true))
		assert.Equal(t, int64(0), h.f.Count(&events.Event{}, "event_type = ?", events.TypeDepositFinalized))
	})

	t.Run("finalize and unfinalize", func(t *testing.T) {
		h := setup(t)
		deposit := h.f.Deposit("June")
		line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
		schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
		applied, err := h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{LineIDs: ids(line.ID), ScheduleIDs: ids(schedule.ID)},
		})
		require.NoError(t, err)

		finalized, err := h.svc.FinalizeDeposit(tenantCtx(), deposit.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DepositStatusCompleted, finalized.Deposit.Status)
		assert.True(t, finalized.Deposit.Reconciled)
		assert.Equal(t, 0, finalized.Deposit.UnreconciledItems)
		reconciled := h.f.ReloadLine(line.ID)
		assert.True(t, reconciled.Reconciled)
		assert.WithinDuration(t, h.f.Clock.Now(), reconciled.UpdatedAt, time.Second)
		assert.Equal(t, int64(1), h.f.Count(&domain.DepositLineMatch{}, "reconciled = ?", true))

		_, err = h.svc.FinalizeDeposit(tenantCtx(), deposit.ID)
		assert.ErrorIs(t, err, domain.ErrDepositFinalized)
		_, err = h.svc.UndoMatchGroup(tenantCtx(), applied.Group.ID, "")
		assert.ErrorIs(t, err, domain.ErrMatchReconciled)
		_, err = h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
			SelectionRequest: domain.SelectionRequest{LineIDs: ids(line.ID), ScheduleIDs: ids(schedule.ID)},
		})
		assert.ErrorIs(t, err, domain.ErrLineReconciled)
		assert.ErrorIs(t, h.svc.DeleteDeposit(tenantCtx(), deposit.ID), domain.ErrDepositLocked)

		reopened, err := h.svc.UnfinalizeDeposit(tenantCtx(), deposit.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DepositStatusInReview, reopened.Deposit.Status)
		assert.False(t, reopened.Deposit.Reconciled)
		assert.False(t, h.f.ReloadLine(line.ID).Reconciled)
		assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineMatch{}, "reconciled = ?", true))

		_, err = h.svc.UnfinalizeDeposit(tenantCtx(), deposit.ID)
		assert.ErrorIs(t, err, domain.ErrDepositNotFinalized)

		// Finalizing a derived COMPLETED deposit is not a transition.
		series, err := testutil.GatherAndCount(h.reg, "depositrecon_deposit_transitions_total")
		require.NoError(t, err)
		assert.Equal(t, 1, series)
	})
}

func TestDeleteDeposit(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June")
	line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "40", "4")
	h.f.Line(deposit, 2, "Globex", "Voice", "-20", "-2")
	schedule := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
	_, err := h.svc.RecomputeDeposit(tenantCtx(), deposit.ID)
	require.NoError(t, err)
	_, err = h.svc.ApplyMatchGroup(tenantCtx(), domain.ApplyMatchGroupRequest{
		SelectionRequest: domain.SelectionRequest{LineIDs: ids(line.ID), ScheduleIDs: ids(schedule.ID)},
	})
	require.NoError(t, err)
	require.True(t, h.f.ReloadSchedule(schedule.ID).ActualUsage.Equal(rectesting.D("40")))

	require.NoError(t, h.svc.DeleteDeposit(tenantCtx(), deposit.ID))

	assert.Equal(t, int64(0), h.f.Count(&domain.Deposit{}, "id = ?", deposit.ID))
	assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineItem{}, "deposit_id = ?", deposit.ID))
	assert.Equal(t, int64(0), h.f.Count(&domain.DepositLineMatch{}, "deposit_id = ?", deposit.ID))
	assert.Equal(t, int64(0), h.f.Count(&domain.DepositMatchGroup{}, "deposit_id = ?", deposit.ID))
	assert.Equal(t, int64(0), h.f.Count(&domain.RevenueSchedule{}, "flex_source_line_id IS NOT NULL AND deleted_at IS NULL"))

	gotSchedule := h.f.ReloadSchedule(schedule.ID)
	assert.True(t, gotSchedule.ActualUsage.IsZero())
	assert.Equal(t, domain.ScheduleStatusOpen, gotSchedule.Status)
	assert.Equal(t, int64(1), h.f.Count(&events.Event{}, "event_type = ?", events.TypeDepositDeleted))

	assert.ErrorIs(t, h.svc.DeleteDeposit(tenantCtx(), deposit.ID), domain.ErrDepositNotFound)
}

func TestRecomputeDepositRaisesOneChargeback(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June")
	line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "-100", "-10")

	for i := 0; i < 3; i++ {
		result, err := h.svc.RecomputeDeposit(tenantCtx(), deposit.ID)
		require.NoError(t, err)
		require.Len(t, result.Lines, 1)
	}

	assert.Equal(t, int64(1), h.f.Count(&flexdomain.FlexReviewItem{}, "classification = ?", domain.FlexClassificationFlexChargeback))
	assert.Equal(t, int64(1), h.f.Count(&domain.DepositLineMatch{}, "line_item_id = ? AND status = ?", line.ID, domain.MatchStatusSuggested))
	assert.True(t, h.f.ReloadLine(line.ID).HasSuggestedMatches)
	assert.Equal(t, domain.LineStatusUnmatched, h.f.ReloadLine(line.ID).Status)
}

func TestGenerateCandidates(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June")
	line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	best := h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())
	h.f.Schedule("Acme Corp", "Fiber", "300", "30", h.f.Clock.Now().AddDate(0, 0, -10))
	h.f.Schedule("Initech", "Fiber", "100", "10", h.f.Clock.Now())

	candidates, err := h.svc.GenerateCandidates(tenantCtx(), line.ID, domain.CandidateOptions{})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, best.ID, candidates[0].Schedule.ID)
	assert.Equal(t, domain.ConfidenceHigh, candidates[0].Level)
	assert.True(t, candidates[0].Confidence.GreaterThan(candidates[1].Confidence))

	limited, err := h.svc.GenerateCandidates(tenantCtx(), line.ID, domain.CandidateOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = h.svc.GenerateCandidates(tenantCtx(), line.ID, domain.CandidateOptions{EngineMode: "neural"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.GenerateCandidates(tenantCtx(), 999, domain.CandidateOptions{})
	assert.ErrorIs(t, err, domain.ErrLineNotFound)
}

func TestRefreshSuggestions(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June")
	line := h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")
	lonely := h.f.Line(deposit, 2, "Nobody Ltd", "Nothing", "5", "1")
	h.f.Schedule("Acme Corp", "Fiber", "100", "10", h.f.Clock.Now())

	h.f.Clock.Advance(time.Hour)
	changed, err := h.svc.RefreshSuggestions(context.Background(), rectesting.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	refreshed := h.f.ReloadLine(line.ID)
	assert.True(t, refreshed.HasSuggestedMatches)
	assert.WithinDuration(t, h.f.Clock.Now(), refreshed.UpdatedAt, time.Second)
	assert.False(t, h.f.ReloadLine(lonely.ID).HasSuggestedMatches)

	changed, err = h.svc.RefreshSuggestions(context.Background(), rectesting.TenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)
}

func TestStatement(t *testing.T) {
	h := setup(t)
	deposit := h.f.Deposit("June Remittance")
	h.f.Line(deposit, 1, "Acme Corp", "Fiber", "100", "10")

	statement, err := h.svc.Statement(tenantCtx(), deposit.ID)
	require.NoError(t, err)
	assert.Equal(t, "june-remittance-statement.pdf", statement.FileName)
	assert.Equal(t, "application/pdf", statement.ContentType)
	assert.NotEmpty(t, statement.Body)

	_, err = h.svc.Statement(tenantCtx(), 999)
	assert.ErrorIs(t, err, domain.ErrDepositNotFound)
}

func TestClassifySelection(t *testing.T) {
	h := setup(t)
	got, err := h.svc.ClassifySelection(tenantCtx(), ids(1, 2, 2), ids(3))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchTypeManyToOne, got)

	_, err = h.svc.ClassifySelection(tenantCtx(), nil, ids(3))
	assert.ErrorIs(t, err, domain.ErrEmptySelection)
}
