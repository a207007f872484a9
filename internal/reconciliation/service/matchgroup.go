package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/observability/metrics"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/recompute"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/selection"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ApplyMatchGroup persists a selection as one active group of applied
// matches. The split is recomputed against the locked rows so a stale
// preview cannot over-allocate.
func (s *Service) ApplyMatchGroup(ctx context.Context, req domain.ApplyMatchGroupRequest) (domain.MatchGroupResult, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.MatchGroupResult{}, err
	}
	if req.MatchType != "" && !req.MatchType.Valid() {
		return domain.MatchGroupResult{}, domain.Validation("invalid_match_type", "unknown match type %q", req.MatchType)
	}
	source := req.Source
	if source == "" {
		source = domain.MatchSourceManual
	}
	if source != domain.MatchSourceManual && source != domain.MatchSourceAuto {
		return domain.MatchGroupResult{}, domain.Validation("invalid_source", "unknown match source %q", source)
	}
	confidence := oneDecimal
	if req.Confidence != nil {
		if req.Confidence.IsNegative() || req.Confidence.GreaterThan(oneDecimal) {
			return domain.MatchGroupResult{}, domain.Validation("invalid_confidence", "confidence must be within [0,1]")
		}
		confidence = *req.Confidence
	}

	lineIDs := selection.Dedupe(req.LineIDs)
	scheduleIDs := selection.Dedupe(req.ScheduleIDs)
	if _, err := selection.Classify(lineIDs, scheduleIDs); err != nil {
		return domain.MatchGroupResult{}, err
	}

	var result domain.MatchGroupResult
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		lines, err := s.loadLines(ctx, tx, tenantID, lineIDs, true)
		if err != nil {
			return err
		}
		depositID := lines[0].DepositID
		for _, line := range lines {
			switch {
			case line.Reconciled:
				return domain.ErrLineReconciled
			case line.Status == domain.LineStatusIgnored:
				return domain.ErrLineIgnored
			case line.DepositID != depositID:
				return domain.ErrMixedDeposits
			}
		}

		schedules := make([]domain.RevenueSchedule, 0, len(scheduleIDs))
		for _, id := range sortedIDs(scheduleIDs) {
			schedule, err := s.repo.LockSchedule(ctx, tx, tenantID, id)
			if err != nil {
				return fmt.Errorf("lock schedule: %w", err)
			}
			if schedule == nil || schedule.DeletedAt != nil {
				return domain.ErrScheduleNotFound
			}
			schedules = append(schedules, *schedule)
		}

		preview, err := selection.BuildPreview(selection.Input{
			MatchType:   req.MatchType,
			Lines:       lines,
			Schedules:   schedules,
			Allocations: req.Allocations,
			Epsilon:     settings.AllocationEpsilon,
		})
		if err != nil {
			return err
		}
		if len(preview.Allocations) == 0 {
			return domain.Validation("nothing_to_allocate", "the selection has no remaining amount to allocate")
		}

		now := s.clock.Now()
		group := domain.DepositMatchGroup{
			ID:        s.genID.Generate(),
			TenantID:  tenantID,
			DepositID: depositID,
			MatchType: preview.MatchType,
			Source:    source,
			Status:    domain.MatchGroupStatusActive,
			CreatedBy: auditcontext.ActorIDOrSystem(ctx),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.CreateGroup(ctx, tx, &group); err != nil {
			return fmt.Errorf("create match group: %w", err)
		}

		matches := make([]domain.DepositLineMatch, 0, len(preview.Allocations))
		for _, a := range preview.Allocations {
			matches = append(matches, domain.DepositLineMatch{
				ID:                s.genID.Generate(),
				TenantID:          tenantID,
				MatchGroupID:      group.ID,
				DepositID:         depositID,
				LineItemID:        a.LineItemID,
				RevenueScheduleID: a.RevenueScheduleID,
				Status:            domain.MatchStatusApplied,
				UsageAmount:       a.UsageAmount,
				CommissionAmount:  a.CommissionAmount,
				Confidence:        confidence,
				Source:            source,
				CreatedAt:         now,
				UpdatedAt:         now,
			})
		}
		if err := s.repo.CreateMatches(ctx, tx, matches); err != nil {
			return fmt.Errorf("create matches: %w", err)
		}

		cascade, err := s.engine.Cascade(ctx, tx, settings, recompute.Targets{
			LineIDs:     lineIDs,
			ScheduleIDs: scheduleIDs,
			DepositIDs:  []snowflake.ID{depositID},
		})
		if err != nil {
			return err
		}

		payload := map[string]any{
			"match_group_id":       group.ID.String(),
			"deposit_id":           depositID.String(),
			"match_type":           string(group.MatchType),
			"line_item_ids":        idStrings(lineIDs),
			"revenue_schedule_ids": idStrings(scheduleIDs),
			"usage_amount":         totalUsage(matches).String(),
			"commission_amount":    totalCommission(matches).String(),
		}
		if err := s.publish(ctx, tx, tenantID, events.TypeMatchGroupApplied, "match_group_applied:"+group.ID.String(), payload); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, tenantID, "match_group.apply", "deposit_match_group", group.ID, payload); err != nil {
			return err
		}

		result = groupResult(group, matches, cascade)
		return nil
	})
	if err != nil {
		return domain.MatchGroupResult{}, err
	}

	s.metrics.IncMatchGroup(metrics.MatchGroupApplied, string(result.Group.MatchType))
	s.log.Info("match group applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("match_group_id", result.Group.ID.String()),
		zap.String("match_type", string(result.Group.MatchType)),
		zap.Int("matches", len(result.Matches)),
	)
	return result, nil
}

// UndoMatchGroup removes exactly the matches the group owns and re-derives
// everything they touched.
func (s *Service) UndoMatchGroup(ctx context.Context, groupID snowflake.ID, reason string) (domain.MatchGroupResult, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.MatchGroupResult{}, err
	}

	var result domain.MatchGroupResult
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		group, err := s.repo.LockGroup(ctx, tx, tenantID, groupID)
		if err != nil {
			return fmt.Errorf("lock match group: %w", err)
		}
		if group == nil {
			return domain.ErrMatchGroupNotFound
		}
		if group.Status != domain.MatchGroupStatusActive {
			return domain.ErrMatchGroupNotActive
		}

		matches, err := s.repo.ListMatchesByGroup(ctx, tx, tenantID, group.ID)
		if err != nil {
			return fmt.Errorf("list group matches: %w", err)
		}
		targets := recompute.Targets{DepositIDs: []snowflake.ID{group.DepositID}}
		for _, m := range matches {
			if m.Reconciled {
				return domain.ErrMatchReconciled
			}
			targets.LineIDs = append(targets.LineIDs, m.LineItemID)
			targets.ScheduleIDs = append(targets.ScheduleIDs, m.RevenueScheduleID)
		}

		if err := s.repo.DeleteMatchesByGroup(ctx, tx, tenantID, group.ID); err != nil {
			return fmt.Errorf("delete group matches: %w", err)
		}

		now := s.clock.Now()
		actor := auditcontext.ActorIDOrSystem(ctx)
		group.Status = domain.MatchGroupStatusUndone
		group.UndoneAt = &now
		group.UndoneBy = &actor
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			group.UndoneReason = &trimmed
		}
		group.UpdatedAt = now
		if err := s.repo.SaveGroup(ctx, tx, group); err != nil {
			return fmt.Errorf("save match group: %w", err)
		}

		cascade, err := s.engine.Cascade(ctx, tx, settings, targets)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"match_group_id": group.ID.String(),
			"deposit_id":     group.DepositID.String(),
			"match_type":     string(group.MatchType),
			"removed":        len(matches),
		}
		if group.UndoneReason != nil {
			payload["reason"] = *group.UndoneReason
		}
		if err := s.publish(ctx, tx, tenantID, events.TypeMatchGroupUndone, "match_group_undone:"+group.ID.String(), payload); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, tenantID, "match_group.undo", "deposit_match_group", group.ID, payload); err != nil {
			return err
		}

		result = groupResult(*group, matches, cascade)
		return nil
	})
	if err != nil {
		return domain.MatchGroupResult{}, err
	}

	s.metrics.IncMatchGroup(metrics.MatchGroupUndone, string(result.Group.MatchType))
	s.log.Info("match group undone",
		zap.String("tenant_id", tenantID.String()),
		zap.String("match_group_id", result.Group.ID.String()),
	)
	return result, nil
}

func groupResult(group domain.DepositMatchGroup, matches []domain.DepositLineMatch, cascade recompute.Result) domain.MatchGroupResult {
	result := domain.MatchGroupResult{
		Group:     group,
		Matches:   matches,
		Lines:     cascade.Lines,
		Schedules: cascade.Schedules,
	}
	for i := range cascade.Deposits {
		if cascade.Deposits[i].ID == group.DepositID {
			deposit := cascade.Deposits[i]
			result.Deposit = &deposit
		}
	}
	return result
}

func totalUsage(matches []domain.DepositLineMatch) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.UsageAmount)
	}
	return total
}

func totalCommission(matches []domain.DepositLineMatch) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.CommissionAmount)
	}
	return total
}
