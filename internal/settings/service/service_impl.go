package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/cache"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/config"
	"github.com/smallbiznis/depositrecon/internal/events"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cacheTTL = 30 * time.Second

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     domain.Repository
	Defaults *config.ReconciliationConfigHolder
	AuditSvc auditdomain.Service `optional:"true"`
	Events   events.Publisher    `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	defaults *config.ReconciliationConfigHolder
	auditSvc auditdomain.Service
	events   events.Publisher
	cache    cache.Cache[snowflake.ID, recdomain.Settings]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		clock:    p.Clock,
		repo:     p.Repo,
		defaults: p.Defaults,
		auditSvc: p.AuditSvc,
		events:   p.Events,
		cache:    cache.NewTTLCacheWithClock[snowflake.ID, recdomain.Settings](p.Clock.Now),
	}
}

func (s *Service) Resolve(ctx context.Context, tenantID snowflake.ID) (recdomain.Settings, error) {
	if tenantID == 0 {
		return recdomain.Settings{}, recdomain.ErrInvalidTenant
	}
	if cached, ok := s.cache.Get(tenantID); ok {
		return cached, nil
	}

	row, err := s.repo.Get(ctx, s.db, tenantID)
	if err != nil {
		return recdomain.Settings{}, err
	}

	var resolved recdomain.Settings
	if row != nil {
		resolved = row.ToSettings()
	} else {
		resolved = s.fromDefaults(tenantID)
	}
	s.cache.Set(tenantID, resolved, cacheTTL)
	return resolved, nil
}

func (s *Service) Update(ctx context.Context, tenantID snowflake.ID, req domain.UpdateRequest) (recdomain.Settings, error) {
	if tenantID == 0 {
		return recdomain.Settings{}, recdomain.ErrInvalidTenant
	}
	if isEmpty(req) {
		return recdomain.Settings{}, recdomain.Validation(recdomain.ErrInvalidSettings.Code, "no settings to update")
	}

	var updated recdomain.Settings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.repo.Get(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		current := s.fromDefaults(tenantID)
		if row != nil {
			current = row.ToSettings()
		}

		next := apply(current, req)
		if err := next.Validate(); err != nil {
			return err
		}

		now := s.clock.Now()
		actor := auditcontext.ActorIDOrSystem(ctx)
		stored := domain.TenantSettings{
			TenantID:               tenantID,
			VarianceTolerance:      next.VarianceTolerance,
			EngineMode:             next.EngineMode,
			IncludeFutureSchedules: next.IncludeFutureSchedules,
			AutoMatchThreshold:     next.AutoMatchThreshold,
			CandidateLimit:         next.CandidateLimit,
			DateWindowDays:         next.DateWindowDays,
			DigestMinAgeDays:       next.DigestMinAgeDays,
			AllocationEpsilon:      next.AllocationEpsilon,
			UpdatedBy:              &actor,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if row != nil {
			stored.CreatedAt = row.CreatedAt
		}
		if err := s.repo.Upsert(ctx, tx, &stored); err != nil {
			return err
		}

		payload := map[string]any{
			"variance_tolerance":   next.VarianceTolerance.String(),
			"engine_mode":          string(next.EngineMode),
			"auto_match_threshold": next.AutoMatchThreshold.String(),
			"candidate_limit":      next.CandidateLimit,
			"date_window_days":     next.DateWindowDays,
		}
		if s.auditSvc != nil {
			targetID := tenantID.String()
			if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
				TenantID:   &tenantID,
				Action:     "reconciliation_settings.update",
				TargetType: "reconciliation_settings",
				TargetID:   &targetID,
				Metadata:   payload,
			}); err != nil {
				return err
			}
		}
		if s.events != nil {
			if err := s.events.PublishTx(ctx, tx, tenantID, events.TypeSettingsUpdated, "", payload); err != nil {
				return err
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return recdomain.Settings{}, err
	}

	s.cache.Delete(tenantID)
	s.log.Info("reconciliation settings updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("engine_mode", string(updated.EngineMode)),
	)
	return updated, nil
}

func (s *Service) fromDefaults(tenantID snowflake.ID) recdomain.Settings {
	d := s.defaults.Get()
	return recdomain.Settings{
		TenantID:               tenantID,
		VarianceTolerance:      decimal.NewFromFloat(d.VarianceTolerance),
		EngineMode:             recdomain.EngineMode(d.EngineMode),
		IncludeFutureSchedules: d.IncludeFutureSchedules,
		AutoMatchThreshold:     decimal.NewFromFloat(d.AutoMatchThreshold),
		CandidateLimit:         d.CandidateLimit,
		DateWindowDays:         d.DateWindowDays,
		DigestMinAgeDays:       d.DigestMinAgeDays,
		AllocationEpsilon:      decimal.NewFromFloat(d.AllocationEpsilon),
	}
}

func apply(s recdomain.Settings, req domain.UpdateRequest) recdomain.Settings {
	if req.VarianceTolerance != nil {
		s.VarianceTolerance = *req.VarianceTolerance
	}
	if req.EngineMode != nil {
		s.EngineMode = recdomain.EngineMode(strings.ToLower(strings.TrimSpace(*req.EngineMode)))
	}
	if req.IncludeFutureSchedules != nil {
		s.IncludeFutureSchedules = *req.IncludeFutureSchedules
	}
	if req.AutoMatchThreshold != nil {
		s.AutoMatchThreshold = *req.AutoMatchThreshold
	}
	if req.CandidateLimit != nil {
		s.CandidateLimit = *req.CandidateLimit
	}
	if req.DateWindowDays != nil {
		s.DateWindowDays = *req.DateWindowDays
	}
	if req.DigestMinAgeDays != nil {
		s.DigestMinAgeDays = *req.DigestMinAgeDays
	}
	if req.AllocationEpsilon != nil {
		s.AllocationEpsilon = *req.AllocationEpsilon
	}
	return s
}

func isEmpty(req domain.UpdateRequest) bool {
	return req.VarianceTolerance == nil &&
		req.EngineMode == nil &&
		req.IncludeFutureSchedules == nil &&
		req.AutoMatchThreshold == nil &&
		req.CandidateLimit == nil &&
		req.DateWindowDays == nil &&
		req.DigestMinAgeDays == nil &&
		req.AllocationEpsilon == nil
}
