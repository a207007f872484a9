package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/depositrecon/internal/audit"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	"github.com/smallbiznis/depositrecon/internal/config"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/flexreview"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/notification"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	"github.com/smallbiznis/depositrecon/internal/observability"
	obsmiddleware "github.com/smallbiznis/depositrecon/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/depositrecon/internal/observability/metrics"
	obstracing "github.com/smallbiznis/depositrecon/internal/observability/tracing"
	"github.com/smallbiznis/depositrecon/internal/providers"
	"github.com/smallbiznis/depositrecon/internal/ratelimit"
	"github.com/smallbiznis/depositrecon/internal/reconciliation"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/settings"
	settingsdomain "github.com/smallbiznis/depositrecon/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the reconciliation API. The caller provides config, the
// database, the snowflake node, the clock and observability.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	authorization.Module,
	audit.Module,
	events.Module,
	providers.Module,
	ratelimit.Module,
	settings.Module,
	notification.Module,
	reconciliation.Module,
	flexreview.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	recSvc          recdomain.Service
	flexSvc         flexdomain.Service
	settingsSvc     settingsdomain.Service
	notificationSvc notificationdomain.Service
	auditSvc        auditdomain.Service
	authzSvc        authorization.Service
	digestLimiter   *ratelimit.Limiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	RecSvc          recdomain.Service
	FlexSvc         flexdomain.Service
	SettingsSvc     settingsdomain.Service
	NotificationSvc notificationdomain.Service
	AuditSvc        auditdomain.Service
	AuthzSvc        authorization.Service
	DigestLimiter   *ratelimit.Limiter  `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		recSvc:          p.RecSvc,
		flexSvc:         p.FlexSvc,
		settingsSvc:     p.SettingsSvc,
		notificationSvc: p.NotificationSvc,
		auditSvc:        p.AuditSvc,
		authzSvc:        p.AuthzSvc,
		digestLimiter:   p.DigestLimiter,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api/v1", CorrelationID(), s.TenantContext())

	view := func(object string) gin.HandlerFunc {
		return s.authorizeTenantAction(object, authorization.ActionView)
	}
	manage := func(object string) gin.HandlerFunc {
		return s.authorizeTenantAction(object, authorization.ActionManage)
	}

	// -------- Matching --------
	api.GET("/deposit-lines/:id/candidates", view(authorization.ObjectReconciliation), s.GenerateCandidates)
	api.POST("/match-groups/classify", view(authorization.ObjectReconciliation), s.ClassifySelection)
	api.POST("/match-groups/preview", view(authorization.ObjectReconciliation), s.PreviewMatchGroup)
	api.POST("/match-groups", manage(authorization.ObjectReconciliation), s.ApplyMatchGroup)
	api.POST("/match-groups/:id/undo", manage(authorization.ObjectReconciliation), s.UndoMatchGroup)

	// -------- Deposits --------
	api.POST("/deposits/:id/finalize", manage(authorization.ObjectReconciliation), s.FinalizeDeposit)
	api.POST("/deposits/:id/unfinalize", manage(authorization.ObjectReconciliation), s.UnfinalizeDeposit)
	api.POST("/deposits/:id/recompute", manage(authorization.ObjectReconciliation), s.RecomputeDeposit)
	api.DELETE("/deposits/:id", manage(authorization.ObjectReconciliation), s.DeleteDeposit)
	api.GET("/deposits/:id/statement.pdf", view(authorization.ObjectReconciliation), s.DepositStatement)

	// -------- Flex review --------
	api.GET("/flex-review/items", view(authorization.ObjectFlexReview), s.ListFlexReviewItems)
	api.POST("/flex-review/items", manage(authorization.ObjectFlexReview), s.EnqueueFlexReviewItem)
	api.POST("/flex-review/items/bulk-resolve", manage(authorization.ObjectFlexReview), s.BulkResolveFlexReviewItems)
	api.POST("/flex-review/items/:id/approve", manage(authorization.ObjectFlexReview), s.ApproveFlexReviewItem)
	api.POST("/flex-review/items/:id/resolve", manage(authorization.ObjectFlexReview), s.ResolveFlexReviewItem)
	api.POST("/flex-review/items/:id/assign", manage(authorization.ObjectFlexReview), s.AssignFlexReviewItem)
	api.POST("/flex-review/digest", manage(authorization.ObjectFlexReview), s.RunFlexDigest)

	// -------- Settings --------
	api.GET("/settings/reconciliation", view(authorization.ObjectSettings), s.GetReconciliationSettings)
	api.PUT("/settings/reconciliation", manage(authorization.ObjectSettings), s.UpdateReconciliationSettings)

	// -------- Notifications --------
	api.GET("/notifications", s.ListNotifications)
	api.GET("/notification-preferences/me", s.GetNotificationPreference)
	api.PUT("/notification-preferences/me", s.UpdateNotificationPreference)

	// -------- Members & audit --------
	api.POST("/members/:user_id/roles", manage(authorization.ObjectMembers), s.GrantMemberRole)
	api.DELETE("/members/:user_id/roles/:role", manage(authorization.ObjectMembers), s.RevokeMemberRole)
	api.GET("/audit-logs", view(authorization.ObjectReconciliation), s.ListAuditLogs)
}
