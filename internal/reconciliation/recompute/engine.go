// Package recompute re-derives line, schedule and deposit state from the
// matches that exist. It is the only writer of derived fields.
package recompute

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/clock"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/flex"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const systemActor = "system"

const (
	flexRetiredNote = "line allocated elsewhere"
	flexClearedNote = "schedule no longer needs flex review"
)

// Targets lists what a mutation touched. Cascade expands it with the
// schedules and deposits reachable from the lines.
type Targets struct {
	LineIDs     []snowflake.ID
	ScheduleIDs []snowflake.ID
	DepositIDs  []snowflake.ID
}

// Result carries the recomputed rows in the order they were processed.
type Result struct {
	Lines     []domain.DepositLineItem
	Schedules []domain.RevenueSchedule
	Deposits  []domain.Deposit
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Queue      flexdomain.Queue
	Classifier flex.Classifier `optional:"true"`
}

type Engine struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	queue      flexdomain.Queue
	classifier flex.Classifier
}

func NewEngine(p Params) *Engine {
	classifier := p.Classifier
	if classifier == nil {
		classifier = flex.NewClassifier()
	}
	return &Engine{
		log:        p.Log.Named("reconciliation.recompute"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		queue:      p.Queue,
		classifier: classifier,
	}
}

// RecomputeLine re-derives one line. Reconciled lines are rejected.
func (e *Engine) RecomputeLine(ctx context.Context, tx *gorm.DB, settings domain.Settings, lineID snowflake.ID) (*domain.DepositLineItem, error) {
	line, err := e.repo.LockLine(ctx, tx, settings.TenantID, lineID)
	if err != nil {
		return nil, fmt.Errorf("lock line: %w", err)
	}
	if line == nil {
		return nil, domain.ErrLineNotFound
	}
	if line.Reconciled {
		return nil, domain.ErrLineReconciled
	}
	if _, err := e.recomputeLine(ctx, tx, settings, line); err != nil {
		return nil, err
	}
	return line, nil
}

// recomputeLine updates line in place and returns the schedules the line's
// flex rule created, if any.
func (e *Engine) recomputeLine(ctx context.Context, tx *gorm.DB, settings domain.Settings, line *domain.DepositLineItem) ([]snowflake.ID, error) {
	matches, err := e.repo.ListMatchesByLines(ctx, tx, settings.TenantID, []snowflake.ID{line.ID})
	if err != nil {
		return nil, fmt.Errorf("list line matches: %w", err)
	}

	state := allocation.DeriveLineState(*line, matches, settings.AllocationEpsilon)
	if !state.Matches(*line) {
		state.ApplyTo(line)
		line.UpdatedAt = e.clock.Now()
		if err := e.repo.SaveLine(ctx, tx, line); err != nil {
			return nil, fmt.Errorf("save line: %w", err)
		}
	}

	if err := e.retireLineFlexRule(ctx, tx, line, state); err != nil {
		return nil, err
	}
	created, err := e.applyLineFlexRule(ctx, tx, line, state)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, nil
	}
	return []snowflake.ID{*created}, nil
}

// applyLineFlexRule gives a negative line that nothing has been applied to a
// chargeback schedule with a pending suggested match. It does nothing when
// the line already has one.
func (e *Engine) applyLineFlexRule(ctx context.Context, tx *gorm.DB, line *domain.DepositLineItem, state allocation.LineState) (*snowflake.ID, error) {
	if line.Reconciled || line.Status == domain.LineStatusIgnored || !line.Usage.IsNegative() {
		return nil, nil
	}
	if !state.UsageAllocated.IsZero() || !state.CommissionAllocated.IsZero() {
		return nil, nil
	}

	existing, err := e.repo.FindScheduleByFlexSourceLine(ctx, tx, line.TenantID, line.ID)
	if err != nil {
		return nil, fmt.Errorf("find flex schedule: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	now := e.clock.Now()
	scheduleDate := now
	if line.PaymentDate != nil {
		scheduleDate = *line.PaymentDate
	}
	reason := domain.FlexReasonNegativeUsage
	lineID := line.ID
	schedule := domain.RevenueSchedule{
		ID:                 e.genID.Generate(),
		TenantID:           line.TenantID,
		AccountName:        line.AccountName,
		ProductName:        line.ProductName,
		ScheduleDate:       scheduleDate,
		ExpectedUsage:      line.Usage,
		ExpectedCommission: line.Commission,
		ActualUsage:        decimal.Zero,
		ActualCommission:   decimal.Zero,
		Status:             domain.ScheduleStatusOpen,
		FlexClassification: domain.FlexClassificationFlexChargeback,
		FlexReasonCode:     &reason,
		FlexSourceLineID:   &lineID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.repo.CreateSchedule(ctx, tx, &schedule); err != nil {
		return nil, fmt.Errorf("create flex schedule: %w", err)
	}

	group := domain.DepositMatchGroup{
		ID:        e.genID.Generate(),
		TenantID:  line.TenantID,
		DepositID: line.DepositID,
		MatchType: domain.MatchTypeOneToOne,
		Source:    domain.MatchSourceAuto,
		Status:    domain.MatchGroupStatusActive,
		CreatedBy: systemActor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repo.CreateGroup(ctx, tx, &group); err != nil {
		return nil, fmt.Errorf("create flex group: %w", err)
	}

	match := domain.DepositLineMatch{
		ID:                e.genID.Generate(),
		TenantID:          line.TenantID,
		MatchGroupID:      group.ID,
		DepositID:         line.DepositID,
		LineItemID:        line.ID,
		RevenueScheduleID: schedule.ID,
		Status:            domain.MatchStatusSuggested,
		UsageAmount:       line.Usage,
		CommissionAmount:  line.Commission,
		Confidence:        decimal.NewFromInt(1),
		Source:            domain.MatchSourceAuto,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.repo.CreateMatches(ctx, tx, []domain.DepositLineMatch{match}); err != nil {
		return nil, fmt.Errorf("create flex match: %w", err)
	}

	depositID := line.DepositID
	if _, _, err := e.queue.Enqueue(ctx, tx, flexdomain.EnqueueRequest{
		TenantID:          line.TenantID,
		RevenueScheduleID: schedule.ID,
		Classification:    domain.FlexClassificationFlexChargeback,
		ReasonCode:        reason,
		SourceDepositID:   &depositID,
		SourceLineID:      &lineID,
	}); err != nil {
		return nil, fmt.Errorf("enqueue flex item: %w", err)
	}

	if !line.HasSuggestedMatches {
		line.HasSuggestedMatches = true
		line.UpdatedAt = now
		if err := e.repo.SaveLine(ctx, tx, line); err != nil {
			return nil, fmt.Errorf("save line: %w", err)
		}
	}

	e.log.Info("flex chargeback created",
		zap.String("tenant_id", line.TenantID.String()),
		zap.String("line_id", line.ID.String()),
		zap.String("schedule_id", schedule.ID.String()),
	)
	return &schedule.ID, nil
}

// retireLineFlexRule withdraws a line's pending chargeback once the line has
// been allocated elsewhere: the suggested match and its group are undone,
// the open item is resolved and the chargeback schedule is retired unless
// something was applied to it.
func (e *Engine) retireLineFlexRule(ctx context.Context, tx *gorm.DB, line *domain.DepositLineItem, state allocation.LineState) error {
	if state.UsageAllocated.IsZero() && state.CommissionAllocated.IsZero() {
		return nil
	}
	schedule, err := e.repo.FindScheduleByFlexSourceLine(ctx, tx, line.TenantID, line.ID)
	if err != nil {
		return fmt.Errorf("find flex schedule: %w", err)
	}
	if schedule == nil {
		return nil
	}
	match, err := e.repo.FindSuggestedMatch(ctx, tx, line.TenantID, line.ID, schedule.ID)
	if err != nil {
		return fmt.Errorf("find suggested match: %w", err)
	}
	if match == nil {
		return nil
	}

	now := e.clock.Now()
	if err := e.repo.DeleteMatchesByGroup(ctx, tx, line.TenantID, match.MatchGroupID); err != nil {
		return fmt.Errorf("delete suggested match: %w", err)
	}
	group, err := e.repo.LockGroup(ctx, tx, line.TenantID, match.MatchGroupID)
	if err != nil {
		return fmt.Errorf("lock flex group: %w", err)
	}
	if group != nil && group.Status == domain.MatchGroupStatusActive {
		actor, reason := systemActor, flexRetiredNote
		group.Status = domain.MatchGroupStatusUndone
		group.UndoneAt = &now
		group.UndoneBy = &actor
		group.UndoneReason = &reason
		group.UpdatedAt = now
		if err := e.repo.SaveGroup(ctx, tx, group); err != nil {
			return fmt.Errorf("undo flex group: %w", err)
		}
	}

	if _, err := e.queue.Retire(ctx, tx, line.TenantID, schedule.ID, flexRetiredNote); err != nil {
		return err
	}

	left, err := e.repo.ListMatchesBySchedules(ctx, tx, line.TenantID, []snowflake.ID{schedule.ID})
	if err != nil {
		return fmt.Errorf("list flex schedule matches: %w", err)
	}
	if len(left) == 0 {
		schedule.DeletedAt = &now
		schedule.UpdatedAt = now
		if err := e.repo.SaveSchedule(ctx, tx, schedule); err != nil {
			return fmt.Errorf("retire flex schedule: %w", err)
		}
	}

	e.log.Info("flex chargeback withdrawn",
		zap.String("tenant_id", line.TenantID.String()),
		zap.String("line_id", line.ID.String()),
		zap.String("schedule_id", schedule.ID.String()),
	)
	return nil
}

// RecomputeSchedule re-sums a schedule's applied matches, re-classifies it
// and queues it for flex review when the classification calls for it.
func (e *Engine) RecomputeSchedule(ctx context.Context, tx *gorm.DB, settings domain.Settings, scheduleID snowflake.ID) (*domain.RevenueSchedule, error) {
	schedule, err := e.repo.LockSchedule(ctx, tx, settings.TenantID, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("lock schedule: %w", err)
	}
	if schedule == nil {
		return nil, domain.ErrScheduleNotFound
	}

	matches, err := e.repo.ListMatchesBySchedules(ctx, tx, settings.TenantID, []snowflake.ID{schedule.ID})
	if err != nil {
		return nil, fmt.Errorf("list schedule matches: %w", err)
	}

	state := allocation.DeriveScheduleState(*schedule, matches, settings.VarianceTolerance, settings.AllocationEpsilon)
	next := *schedule
	next.ActualUsage = state.ActualUsage
	next.ActualCommission = state.ActualCommission
	next.Status = state.Status

	var parent *domain.RevenueSchedule
	if schedule.ParentScheduleID != nil {
		parent, err = e.repo.GetSchedule(ctx, tx, settings.TenantID, *schedule.ParentScheduleID)
		if err != nil {
			return nil, fmt.Errorf("load parent schedule: %w", err)
		}
	}
	decision := e.classifier.Classify(next, parent)
	next.FlexClassification = decision.Classification
	next.FlexReasonCode = decision.Reason

	if scheduleChanged(*schedule, next) {
		next.UpdatedAt = e.clock.Now()
		if err := e.repo.SaveSchedule(ctx, tx, &next); err != nil {
			return nil, fmt.Errorf("save schedule: %w", err)
		}
	}

	if !decision.Review() {
		// A schedule that drops back to NONE takes its open item with it.
		if schedule.FlexClassification != domain.FlexClassificationNone && schedule.FlexClassification != "" {
			if _, err := e.queue.Retire(ctx, tx, next.TenantID, next.ID, flexClearedNote); err != nil {
				return nil, err
			}
		}
		return &next, nil
	}

	req := flexdomain.EnqueueRequest{
		TenantID:          next.TenantID,
		RevenueScheduleID: next.ID,
		Classification:    decision.Classification,
		SourceLineID:      next.FlexSourceLineID,
	}
	if decision.Reason != nil {
		req.ReasonCode = *decision.Reason
	}
	if source := sourceMatch(matches); source != nil {
		depositID, lineID := source.DepositID, source.LineItemID
		req.SourceDepositID = &depositID
		if req.SourceLineID == nil {
			req.SourceLineID = &lineID
		}
	}
	if _, _, err := e.queue.Enqueue(ctx, tx, req); err != nil {
		return nil, fmt.Errorf("enqueue flex item: %w", err)
	}
	return &next, nil
}

// sourceMatch picks the match a flex item points back to: the first applied
// match, or the first match of any status.
func sourceMatch(matches []domain.DepositLineMatch) *domain.DepositLineMatch {
	for i := range matches {
		if matches[i].Status == domain.MatchStatusApplied {
			return &matches[i]
		}
	}
	if len(matches) > 0 {
		return &matches[0]
	}
	return nil
}

func scheduleChanged(a, b domain.RevenueSchedule) bool {
	if a.Status != b.Status || a.FlexClassification != b.FlexClassification {
		return true
	}
	if !a.ActualUsage.Equal(b.ActualUsage) || !a.ActualCommission.Equal(b.ActualCommission) {
		return true
	}
	switch {
	case a.FlexReasonCode == nil && b.FlexReasonCode == nil:
		return false
	case a.FlexReasonCode == nil || b.FlexReasonCode == nil:
		return true
	default:
		return *a.FlexReasonCode != *b.FlexReasonCode
	}
}

// RecomputeDeposit re-sums the deposit from its lines. A finalized deposit
// is returned as stored.
func (e *Engine) RecomputeDeposit(ctx context.Context, tx *gorm.DB, settings domain.Settings, depositID snowflake.ID) (*domain.Deposit, error) {
	deposit, err := e.repo.LockDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	if deposit == nil {
		return nil, domain.ErrDepositNotFound
	}
	if deposit.Reconciled {
		return deposit, nil
	}

	lines, err := e.repo.ListLinesByDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return nil, fmt.Errorf("list deposit lines: %w", err)
	}
	matchCount, err := e.repo.CountMatchesByDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return nil, fmt.Errorf("count deposit matches: %w", err)
	}

	before := *deposit
	allocation.DeriveDepositState(*deposit, lines, int(matchCount)).ApplyTo(deposit)
	if depositChanged(before, *deposit) {
		deposit.UpdatedAt = e.clock.Now()
		if err := e.repo.SaveDeposit(ctx, tx, deposit); err != nil {
			return nil, fmt.Errorf("save deposit: %w", err)
		}
	}
	return deposit, nil
}

func depositChanged(a, b domain.Deposit) bool {
	return a.Status != b.Status ||
		!a.TotalUsage.Equal(b.TotalUsage) ||
		!a.TotalCommission.Equal(b.TotalCommission) ||
		!a.UsageAllocated.Equal(b.UsageAllocated) ||
		!a.UsageUnallocated.Equal(b.UsageUnallocated) ||
		!a.CommissionAllocated.Equal(b.CommissionAllocated) ||
		!a.CommissionUnallocated.Equal(b.CommissionUnallocated) ||
		a.TotalItems != b.TotalItems ||
		a.MatchedItems != b.MatchedItems ||
		a.IgnoredItems != b.IgnoredItems ||
		a.UnreconciledItems != b.UnreconciledItems
}

// Cascade recomputes lines, then every schedule the lines or the caller
// touched, then every affected deposit. Reconciled lines are left as they
// are.
func (e *Engine) Cascade(ctx context.Context, tx *gorm.DB, settings domain.Settings, targets Targets) (Result, error) {
	var result Result

	scheduleIDs := newIDSet(targets.ScheduleIDs...)
	depositIDs := newIDSet(targets.DepositIDs...)

	for _, lineID := range newIDSet(targets.LineIDs...).sorted() {
		line, err := e.repo.LockLine(ctx, tx, settings.TenantID, lineID)
		if err != nil {
			return Result{}, fmt.Errorf("lock line: %w", err)
		}
		if line == nil {
			continue
		}
		depositIDs.add(line.DepositID)
		if !line.Reconciled {
			created, err := e.recomputeLine(ctx, tx, settings, line)
			if err != nil {
				return Result{}, err
			}
			scheduleIDs.add(created...)
		}
		result.Lines = append(result.Lines, *line)

		matches, err := e.repo.ListMatchesByLines(ctx, tx, settings.TenantID, []snowflake.ID{line.ID})
		if err != nil {
			return Result{}, fmt.Errorf("list line matches: %w", err)
		}
		for _, m := range matches {
			scheduleIDs.add(m.RevenueScheduleID)
		}
	}

	for _, scheduleID := range scheduleIDs.sorted() {
		schedule, err := e.RecomputeSchedule(ctx, tx, settings, scheduleID)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				continue
			}
			return Result{}, err
		}
		result.Schedules = append(result.Schedules, *schedule)
	}

	for _, depositID := range depositIDs.sorted() {
		deposit, err := e.RecomputeDeposit(ctx, tx, settings, depositID)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				continue
			}
			return Result{}, err
		}
		result.Deposits = append(result.Deposits, *deposit)
	}
	return result, nil
}

// RebuildDeposit re-derives every line of the deposit, every schedule its
// matches point at, and the deposit itself.
func (e *Engine) RebuildDeposit(ctx context.Context, tx *gorm.DB, settings domain.Settings, depositID snowflake.ID) (Result, error) {
	lines, err := e.repo.ListLinesByDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return Result{}, fmt.Errorf("list deposit lines: %w", err)
	}
	matches, err := e.repo.ListMatchesByDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return Result{}, fmt.Errorf("list deposit matches: %w", err)
	}

	targets := Targets{DepositIDs: []snowflake.ID{depositID}}
	for _, line := range lines {
		targets.LineIDs = append(targets.LineIDs, line.ID)
	}
	for _, m := range matches {
		targets.ScheduleIDs = append(targets.ScheduleIDs, m.RevenueScheduleID)
	}
	return e.Cascade(ctx, tx, settings, targets)
}

type idSet map[snowflake.ID]struct{}

func newIDSet(ids ...snowflake.ID) idSet {
	s := idSet{}
	s.add(ids...)
	return s
}

func (s idSet) add(ids ...snowflake.ID) {
	for _, id := range ids {
		if id != 0 {
			s[id] = struct{}{}
		}
	}
}

func (s idSet) sorted() []snowflake.ID {
	out := make([]snowflake.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
