package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/clock"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	obsmetrics "github.com/smallbiznis/depositrecon/internal/observability/metrics"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	FlexSvc  flexdomain.Service
	FlexRepo flexdomain.Repository
	RecSvc   recdomain.Service
	RecRepo  recdomain.Repository
	Config   Config                       `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler runs the periodic reconciliation jobs. Each job walks every
// tenant with pending work; a failure for one tenant does not stop the rest.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	flexSvc  flexdomain.Service
	flexRepo flexdomain.Repository
	recSvc   recdomain.Service
	recRepo  recdomain.Repository
	metrics  *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.FlexSvc == nil || p.FlexRepo == nil || p.RecSvc == nil || p.RecRepo == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		flexSvc:  p.FlexSvc,
		flexRepo: p.FlexRepo,
		recSvc:   p.RecSvc,
		recRepo:  p.RecRepo,
		metrics:  m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, auditcontext.ActorTypeSystem, "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks up the remaining tenants.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{JobFlexDigest, s.cfg.DigestTimeout, s.FlexDigestJob},
		{JobSuggestedMatchesRefresh, s.cfg.RefreshTimeout, s.SuggestedMatchesRefreshJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// FlexDigestJob sends the daily flex review digest for every tenant with
// open items. Tenants whose digest is already running elsewhere are deferred.
func (s *Scheduler) FlexDigestJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobFlexDigest, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	tenants, err := s.flexRepo.ListTenantsWithOpenItems(ctx, s.db)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var jobErr error
	processed := 0
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		tctx := tenantcontext.WithTenantID(s.withLogContext(ctx, tenantID), tenantID)
		result, err := s.flexSvc.RunDigest(tctx, flexdomain.DigestRequest{TenantID: tenantID})
		switch {
		case errors.Is(err, flexdomain.ErrDigestInProgress):
			s.metrics.IncBatchDeferred(JobFlexDigest, obsmetrics.SchedulerBatchDeferredReasonInProgress)
			s.logger(tctx).Debug("scheduler.digest.deferred", zap.String("tenant_id", tenantID.String()))
			continue
		case err != nil:
			s.metrics.IncTenantError(JobFlexDigest, err)
			s.logSchedulerError(ctx, run, "scheduler.digest.failed", JobFlexDigest, tenantID, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
		s.logDigestSent(tctx, result)
	}

	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobFlexDigest, "tenants", processed)
	return jobErr
}

// SuggestedMatchesRefreshJob recomputes the cached has-suggestions flag on
// unmatched lines.
func (s *Scheduler) SuggestedMatchesRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSuggestedMatchesRefresh, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	tenants, err := s.recRepo.ListTenantsWithUnmatchedLines(ctx, s.db)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var jobErr error
	changed := 0
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		tctx := tenantcontext.WithTenantID(s.withLogContext(ctx, tenantID), tenantID)
		n, err := s.recSvc.RefreshSuggestions(tctx, tenantID)
		changed += n
		if err != nil {
			s.metrics.IncTenantError(JobSuggestedMatchesRefresh, err)
			s.logSchedulerError(ctx, run, "scheduler.suggestions.failed", JobSuggestedMatchesRefresh, tenantID, err)
			jobErr = errors.Join(jobErr, err)
		}
	}

	run.AddProcessed(changed)
	s.metrics.AddBatchProcessed(JobSuggestedMatchesRefresh, "lines", changed)
	return jobErr
}
