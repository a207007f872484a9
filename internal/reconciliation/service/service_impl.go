package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/observability/metrics"
	"github.com/smallbiznis/depositrecon/internal/providers/pdf"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/matching"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/recompute"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/selection"
	settingsdomain "github.com/smallbiznis/depositrecon/internal/settings/domain"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"github.com/smallbiznis/depositrecon/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var oneDecimal = decimal.NewFromInt(1)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Engine   *recompute.Engine
	Settings settingsdomain.Service
	PDF      pdf.Provider                   `optional:"true"`
	AuditSvc auditdomain.Service            `optional:"true"`
	Events   events.Publisher               `optional:"true"`
	Metrics  *metrics.ReconciliationMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	engine   *recompute.Engine
	settings settingsdomain.Service
	pdf      pdf.Provider
	auditSvc auditdomain.Service
	events   events.Publisher
	metrics  *metrics.ReconciliationMetrics
}

func NewService(p Params) domain.Service {
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		engine:   p.Engine,
		settings: p.Settings,
		pdf:      renderer,
		auditSvc: p.AuditSvc,
		events:   p.Events,
		metrics:  p.Metrics,
	}
}

// finder adapts the repository to the candidate generator. It reads on the
// handle it was built with and takes no locks.
type finder struct {
	repo domain.Repository
	db   *gorm.DB
}

func (f finder) FindCandidateSchedules(ctx context.Context, q domain.ScheduleQuery) ([]domain.RevenueSchedule, error) {
	return f.repo.FindCandidateSchedules(ctx, f.db, q)
}

func (s *Service) GenerateCandidates(ctx context.Context, lineID snowflake.ID, opts domain.CandidateOptions) ([]domain.Candidate, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Limit < 0 || opts.Limit > 100 {
		return nil, domain.Validation("invalid_limit", "limit must be within 1..100")
	}
	if opts.Limit > 0 {
		settings.CandidateLimit = opts.Limit
	}
	if opts.EngineMode != "" {
		settings.EngineMode = opts.EngineMode
	}
	if opts.IncludeFutureSchedules != nil {
		settings.IncludeFutureSchedules = *opts.IncludeFutureSchedules
	}
	if opts.VarianceTolerance != nil {
		if opts.VarianceTolerance.IsNegative() || opts.VarianceTolerance.GreaterThan(oneDecimal) {
			return nil, domain.Validation("invalid_variance_tolerance", "variance_tolerance must be within [0,1]")
		}
		settings.VarianceTolerance = *opts.VarianceTolerance
	}

	strategy, err := matching.StrategyFor(settings.EngineMode)
	if err != nil {
		return nil, err
	}

	line, err := s.repo.GetLine(ctx, s.db, tenantID, lineID)
	if err != nil {
		return nil, fmt.Errorf("load line: %w", err)
	}
	if line == nil {
		return nil, domain.ErrLineNotFound
	}

	start := time.Now()
	candidates, err := matching.Generate(ctx, finder{repo: s.repo, db: s.db}, strategy, *line, settings, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveCandidates(string(strategy.Mode()), time.Since(start), len(candidates))
	return candidates, nil
}

func (s *Service) ClassifySelection(ctx context.Context, lineIDs, scheduleIDs []snowflake.ID) (domain.MatchType, error) {
	if _, ok := tenantFromContext(ctx); !ok {
		return "", domain.ErrInvalidTenant
	}
	return selection.Classify(lineIDs, scheduleIDs)
}

// PreviewMatchGroup splits a selection against the current state without
// persisting anything.
func (s *Service) PreviewMatchGroup(ctx context.Context, req domain.SelectionRequest) (domain.Preview, error) {
	tenantID, settings, err := s.resolve(ctx)
	if err != nil {
		return domain.Preview{}, err
	}
	if req.MatchType != "" && !req.MatchType.Valid() {
		return domain.Preview{}, domain.Validation("invalid_match_type", "unknown match type %q", req.MatchType)
	}
	if _, err := selection.Classify(req.LineIDs, req.ScheduleIDs); err != nil {
		return domain.Preview{}, err
	}

	lines, err := s.loadLines(ctx, s.db, tenantID, selection.Dedupe(req.LineIDs), false)
	if err != nil {
		return domain.Preview{}, err
	}
	schedules, err := s.loadSchedules(ctx, s.db, tenantID, selection.Dedupe(req.ScheduleIDs))
	if err != nil {
		return domain.Preview{}, err
	}
	return selection.BuildPreview(selection.Input{
		MatchType:   req.MatchType,
		Lines:       lines,
		Schedules:   schedules,
		Allocations: req.Allocations,
		Epsilon:     settings.AllocationEpsilon,
	})
}

// inTenantTx runs fn in a transaction scoped to the tenant's row-level
// security policies.
func (s *Service) inTenantTx(ctx context.Context, tenantID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, tenantID); err != nil {
			return fmt.Errorf("scope tenant: %w", err)
		}
		return fn(tx)
	})
}

// resolve reads the tenant and its settings once, before any transaction
// opens.
func (s *Service) resolve(ctx context.Context) (snowflake.ID, domain.Settings, error) {
	tenantID, ok := tenantFromContext(ctx)
	if !ok {
		return 0, domain.Settings{}, domain.ErrInvalidTenant
	}
	settings, err := s.settings.Resolve(ctx, tenantID)
	if err != nil {
		return 0, domain.Settings{}, err
	}
	return tenantID, settings, nil
}

func (s *Service) loadLines(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID, lock bool) ([]domain.DepositLineItem, error) {
	var (
		lines []domain.DepositLineItem
		err   error
	)
	if lock {
		lines, err = s.repo.LockLines(ctx, conn, tenantID, ids)
	} else {
		lines = make([]domain.DepositLineItem, 0, len(ids))
		for _, id := range ids {
			line, getErr := s.repo.GetLine(ctx, conn, tenantID, id)
			if getErr != nil {
				return nil, fmt.Errorf("load line: %w", getErr)
			}
			if line != nil {
				lines = append(lines, *line)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	if len(lines) != len(ids) {
		return nil, domain.ErrLineNotFound
	}
	return lines, nil
}

func (s *Service) loadSchedules(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]domain.RevenueSchedule, error) {
	schedules, err := s.repo.ListSchedules(ctx, conn, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	live := schedules[:0]
	for _, sched := range schedules {
		if sched.DeletedAt == nil {
			live = append(live, sched)
		}
	}
	if len(live) != len(ids) {
		return nil, domain.ErrScheduleNotFound
	}
	return live, nil
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, action, targetType string, targetID snowflake.ID, meta map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	id := targetID.String()
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		TenantID:   &tenantID,
		Action:     action,
		TargetType: targetType,
		TargetID:   &id,
		Metadata:   meta,
	})
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, eventType, dedupeKey string, payload map[string]any) error {
	if s.events == nil {
		return nil
	}
	return s.events.PublishTx(ctx, tx, tenantID, eventType, dedupeKey, payload)
}

func idStrings(ids []snowflake.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func tenantFromContext(ctx context.Context) (snowflake.ID, bool) {
	id, ok := tenantcontext.TenantIDFromContext(ctx)
	return id, ok && id != 0
}
