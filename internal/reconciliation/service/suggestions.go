package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/matching"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"go.uber.org/zap"
)

const suggestionBatchSize = 200

// RefreshSuggestions walks the tenant's unmatched lines in ID order and
// caches whether the candidate generator finds anything for them.
func (s *Service) RefreshSuggestions(ctx context.Context, tenantID snowflake.ID) (int, error) {
	if tenantID == 0 {
		return 0, domain.ErrInvalidTenant
	}
	settings, err := s.settings.Resolve(tenantcontext.WithTenantID(ctx, tenantID), tenantID)
	if err != nil {
		return 0, err
	}
	strategy, err := matching.StrategyFor(settings.EngineMode)
	if err != nil {
		return 0, err
	}
	f := finder{repo: s.repo, db: s.db}

	changed := 0
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		lines, err := s.repo.ListLines(ctx, s.db, domain.LineFilter{
			TenantID: tenantID,
			Statuses: []domain.LineStatus{domain.LineStatusUnmatched},
			AfterID:  after,
			Limit:    suggestionBatchSize,
		})
		if err != nil {
			return changed, fmt.Errorf("list lines: %w", err)
		}
		if len(lines) == 0 {
			break
		}

		for _, line := range lines {
			after = line.ID
			if line.Reconciled {
				continue
			}
			has, err := s.hasSuggestions(ctx, f, strategy, line, settings)
			if err != nil {
				return changed, err
			}
			if has == line.HasSuggestedMatches {
				continue
			}
			if err := s.repo.SetLineSuggestions(ctx, s.db, tenantID, line.ID, has, s.clock.Now()); err != nil {
				return changed, fmt.Errorf("update line suggestions: %w", err)
			}
			changed++
		}
		if len(lines) < suggestionBatchSize {
			break
		}
	}

	s.log.Debug("suggested matches refreshed",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("changed", changed),
	)
	return changed, nil
}

// hasSuggestions keeps a pending flex suggestion visible even when the
// generator finds nothing.
func (s *Service) hasSuggestions(ctx context.Context, f finder, strategy matching.Strategy, line domain.DepositLineItem, settings domain.Settings) (bool, error) {
	flexSchedule, err := s.repo.FindScheduleByFlexSourceLine(ctx, s.db, line.TenantID, line.ID)
	if err != nil {
		return false, fmt.Errorf("find flex schedule: %w", err)
	}
	if flexSchedule != nil && flexSchedule.DeletedAt == nil {
		return true, nil
	}
	candidates, err := matching.Generate(ctx, f, strategy, line, settings, s.clock.Now())
	if err != nil {
		return false, err
	}
	return len(candidates) > 0, nil
}
