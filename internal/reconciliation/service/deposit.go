package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FinalizeDeposit locks a deposit whose every line is matched or ignored.
// A refused finalize changes nothing.
func (s *Service) FinalizeDeposit(ctx context.Context, depositID snowflake.ID) (domain.DepositResult, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.DepositResult{}, err
	}

	var (
		result domain.DepositResult
		from   domain.DepositStatus
	)
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		deposit, err := s.lockDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return err
		}
		if deposit.Reconciled {
			return domain.ErrDepositFinalized
		}
		from = deposit.Status

		lines, err := s.repo.ListLinesByDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("list deposit lines: %w", err)
		}
		var reconcile []snowflake.ID
		for _, line := range lines {
			switch line.Status {
			case domain.LineStatusUnmatched:
				return domain.ErrDepositHasOpenLines
			case domain.LineStatusMatched, domain.LineStatusPartiallyMatched:
				reconcile = append(reconcile, line.ID)
			}
		}

		now := s.clock.Now()
		if err := s.repo.SetLinesReconciled(ctx, tx, tenantID, reconcile, &now, now); err != nil {
			return fmt.Errorf("reconcile lines: %w", err)
		}
		if err := s.repo.SetMatchesReconciled(ctx, tx, tenantID, depositID, &now, now); err != nil {
			return fmt.Errorf("reconcile matches: %w", err)
		}
		if err := s.recomputeDepositSchedules(ctx, tx, settings, depositID); err != nil {
			return err
		}

		deposit.Reconciled = true
		deposit.ReconciledAt = &now
		result, err = s.settle(ctx, tx, deposit)
		if err != nil {
			return err
		}

		payload := depositPayload(result.Deposit, from)
		if err := s.publish(ctx, tx, tenantID, events.TypeDepositFinalized, fmt.Sprintf("deposit_finalized:%s:%d", depositID, now.UnixNano()), payload); err != nil {
			return err
		}
		return s.audit(ctx, tx, tenantID, "deposit.finalize", "deposit", depositID, payload)
	})
	if err != nil {
		return domain.DepositResult{}, err
	}

	s.metrics.IncDepositTransition(string(from), string(result.Deposit.Status))
	s.log.Info("deposit finalized",
		zap.String("tenant_id", tenantID.String()),
		zap.String("deposit_id", depositID.String()),
	)
	return result, nil
}

// UnfinalizeDeposit reopens a finalized deposit for review.
func (s *Service) UnfinalizeDeposit(ctx context.Context, depositID snowflake.ID) (domain.DepositResult, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.DepositResult{}, err
	}

	var (
		result domain.DepositResult
		from   domain.DepositStatus
	)
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		deposit, err := s.lockDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return err
		}
		if !deposit.Reconciled {
			return domain.ErrDepositNotFinalized
		}
		from = deposit.Status

		lines, err := s.repo.ListLinesByDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("list deposit lines: %w", err)
		}
		ids := make([]snowflake.ID, 0, len(lines))
		for _, line := range lines {
			if line.Reconciled {
				ids = append(ids, line.ID)
			}
		}
		now := s.clock.Now()
		if err := s.repo.SetLinesReconciled(ctx, tx, tenantID, ids, nil, now); err != nil {
			return fmt.Errorf("reopen lines: %w", err)
		}
		if err := s.repo.SetMatchesReconciled(ctx, tx, tenantID, depositID, nil, now); err != nil {
			return fmt.Errorf("reopen matches: %w", err)
		}
		if err := s.recomputeDepositSchedules(ctx, tx, settings, depositID); err != nil {
			return err
		}

		deposit.Reconciled = false
		deposit.ReconciledAt = nil
		result, err = s.settle(ctx, tx, deposit)
		if err != nil {
			return err
		}
		// A reopened deposit is back in review even when every line is
		// still matched.
		if result.Deposit.Status != domain.DepositStatusInReview {
			result.Deposit.Status = domain.DepositStatusInReview
			if err := s.repo.SaveDeposit(ctx, tx, &result.Deposit); err != nil {
				return fmt.Errorf("save deposit: %w", err)
			}
		}

		payload := depositPayload(result.Deposit, from)
		if err := s.publish(ctx, tx, tenantID, events.TypeDepositUnfinalized, fmt.Sprintf("deposit_unfinalized:%s:%d", depositID, now.UnixNano()), payload); err != nil {
			return err
		}
		return s.audit(ctx, tx, tenantID, "deposit.unfinalize", "deposit", depositID, payload)
	})
	if err != nil {
		return domain.DepositResult{}, err
	}

	s.metrics.IncDepositTransition(string(from), string(result.Deposit.Status))
	s.log.Info("deposit unfinalized",
		zap.String("tenant_id", tenantID.String()),
		zap.String("deposit_id", depositID.String()),
	)
	return result, nil
}

// DeleteDeposit removes an unfinalized deposit with its lines, groups and
// matches, then re-derives the schedules the matches pointed at.
func (s *Service) DeleteDeposit(ctx context.Context, depositID snowflake.ID) error {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return err
	}

	var from domain.DepositStatus
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		deposit, err := s.lockDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return err
		}
		if deposit.Reconciled || deposit.Status == domain.DepositStatusCompleted {
			return domain.ErrDepositLocked
		}
		from = deposit.Status

		matches, err := s.repo.ListMatchesByDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("list deposit matches: %w", err)
		}
		lines, err := s.repo.ListLinesByDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("list deposit lines: %w", err)
		}

		if err := s.repo.DeleteMatchesByDeposit(ctx, tx, tenantID, depositID); err != nil {
			return fmt.Errorf("delete matches: %w", err)
		}
		if err := s.repo.DeleteGroupsByDeposit(ctx, tx, tenantID, depositID); err != nil {
			return fmt.Errorf("delete match groups: %w", err)
		}

		now := s.clock.Now()
		affected := map[snowflake.ID]struct{}{}
		for _, m := range matches {
			affected[m.RevenueScheduleID] = struct{}{}
		}
		// Schedules the flex engine created for these lines go with them.
		for _, line := range lines {
			flexSchedule, err := s.repo.FindScheduleByFlexSourceLine(ctx, tx, tenantID, line.ID)
			if err != nil {
				return fmt.Errorf("find flex schedule: %w", err)
			}
			if flexSchedule == nil || flexSchedule.DeletedAt != nil {
				continue
			}
			flexSchedule.DeletedAt = &now
			flexSchedule.UpdatedAt = now
			if err := s.repo.SaveSchedule(ctx, tx, flexSchedule); err != nil {
				return fmt.Errorf("retire flex schedule: %w", err)
			}
			delete(affected, flexSchedule.ID)
		}

		if err := s.repo.DeleteLinesByDeposit(ctx, tx, tenantID, depositID); err != nil {
			return fmt.Errorf("delete lines: %w", err)
		}
		for _, id := range sortedIDs(keys(affected)) {
			if _, err := s.engine.RecomputeSchedule(ctx, tx, settings, id); err != nil && domain.KindOf(err) != domain.KindNotFound {
				return err
			}
		}
		if err := s.repo.DeleteDeposit(ctx, tx, tenantID, depositID); err != nil {
			return fmt.Errorf("delete deposit: %w", err)
		}

		payload := map[string]any{
			"deposit_id":   depositID.String(),
			"name":         deposit.Name,
			"status":       string(from),
			"line_items":   len(lines),
			"matches":      len(matches),
			"schedule_ids": idStrings(sortedIDs(keys(affected))),
		}
		if err := s.publish(ctx, tx, tenantID, events.TypeDepositDeleted, "deposit_deleted:"+depositID.String(), payload); err != nil {
			return err
		}
		return s.audit(ctx, tx, tenantID, "deposit.delete", "deposit", depositID, payload)
	})
	if err != nil {
		return err
	}

	s.log.Info("deposit deleted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("deposit_id", depositID.String()),
		zap.String("status", string(from)),
	)
	return nil
}

// RecomputeDeposit re-derives every line, schedule and aggregate of the
// deposit, including the flex rules. Imports call it after loading lines.
func (s *Service) RecomputeDeposit(ctx context.Context, depositID snowflake.ID) (domain.DepositResult, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.DepositResult{}, err
	}

	var (
		result domain.DepositResult
		from   domain.DepositStatus
	)
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		deposit, err := s.lockDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return err
		}
		from = deposit.Status

		if _, err := s.engine.RebuildDeposit(ctx, tx, settings, depositID); err != nil {
			return err
		}
		reloaded, err := s.repo.GetDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("reload deposit: %w", err)
		}
		lines, err := s.repo.ListLinesByDeposit(ctx, tx, tenantID, depositID)
		if err != nil {
			return fmt.Errorf("list deposit lines: %w", err)
		}
		result = domain.DepositResult{Deposit: *reloaded, Lines: lines}
		return nil
	})
	if err != nil {
		return domain.DepositResult{}, err
	}

	s.metrics.IncDepositTransition(string(from), string(result.Deposit.Status))
	return result, nil
}

func (s *Service) lockDeposit(ctx context.Context, tx *gorm.DB, tenantID, depositID snowflake.ID) (*domain.Deposit, error) {
	deposit, err := s.repo.LockDeposit(ctx, tx, tenantID, depositID)
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	if deposit == nil {
		return nil, domain.ErrDepositNotFound
	}
	return deposit, nil
}

func (s *Service) recomputeDepositSchedules(ctx context.Context, tx *gorm.DB, settings domain.Settings, depositID snowflake.ID) error {
	matches, err := s.repo.ListMatchesByDeposit(ctx, tx, settings.TenantID, depositID)
	if err != nil {
		return fmt.Errorf("list deposit matches: %w", err)
	}
	ids := map[snowflake.ID]struct{}{}
	for _, m := range matches {
		ids[m.RevenueScheduleID] = struct{}{}
	}
	for _, id := range sortedIDs(keys(ids)) {
		if _, err := s.engine.RecomputeSchedule(ctx, tx, settings, id); err != nil && domain.KindOf(err) != domain.KindNotFound {
			return err
		}
	}
	return nil
}

// settle re-derives the aggregates of a deposit whose reconciled flag the
// caller just changed and saves it.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, deposit *domain.Deposit) (domain.DepositResult, error) {
	lines, err := s.repo.ListLinesByDeposit(ctx, tx, deposit.TenantID, deposit.ID)
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("list deposit lines: %w", err)
	}
	matchCount, err := s.repo.CountMatchesByDeposit(ctx, tx, deposit.TenantID, deposit.ID)
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("count deposit matches: %w", err)
	}
	allocation.DeriveDepositState(*deposit, lines, int(matchCount)).ApplyTo(deposit)
	deposit.UpdatedAt = s.clock.Now()
	if err := s.repo.SaveDeposit(ctx, tx, deposit); err != nil {
		return domain.DepositResult{}, fmt.Errorf("save deposit: %w", err)
	}
	return domain.DepositResult{Deposit: *deposit, Lines: lines}, nil
}

func depositPayload(deposit domain.Deposit, from domain.DepositStatus) map[string]any {
	return map[string]any{
		"deposit_id":         deposit.ID.String(),
		"from_status":        string(from),
		"status":             string(deposit.Status),
		"reconciled":         deposit.Reconciled,
		"usage_allocated":    deposit.UsageAllocated.StringFixed(2),
		"usage_unallocated":  deposit.UsageUnallocated.StringFixed(2),
		"unreconciled_items": deposit.UnreconciledItems,
	}
}

func keys(set map[snowflake.ID]struct{}) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func sortedIDs(ids []snowflake.ID) []snowflake.ID {
	out := append([]snowflake.ID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
