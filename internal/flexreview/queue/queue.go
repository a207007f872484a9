// Package queue is the write path into flex review used by the recompute
// engine. It runs on the caller's transaction.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	"github.com/smallbiznis/depositrecon/internal/observability/metrics"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const systemActor = "system"

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Authz    authorization.Service          `optional:"true"`
	Notifier notificationdomain.Service     `optional:"true"`
	Events   events.Publisher               `optional:"true"`
	Metrics  *metrics.ReconciliationMetrics `optional:"true"`
}

type Queue struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	authz    authorization.Service
	notifier notificationdomain.Service
	events   events.Publisher
	metrics  *metrics.ReconciliationMetrics
}

func New(p Params) domain.Queue {
	return &Queue{
		log:      p.Log.Named("flexreview.queue"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		authz:    p.Authz,
		notifier: p.Notifier,
		events:   p.Events,
		metrics:  p.Metrics,
	}
}

// Enqueue upserts the item for (tenant, schedule). An open item picks up the
// latest classification and sources. A closed item is left alone.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) (*domain.FlexReviewItem, bool, error) {
	if req.TenantID == 0 {
		return nil, false, recdomain.ErrInvalidTenant
	}
	if req.RevenueScheduleID == 0 {
		return nil, false, recdomain.Validation("invalid_schedule", "revenue_schedule_id is required")
	}
	if req.Classification == "" || req.Classification == recdomain.FlexClassificationNone {
		return nil, false, recdomain.Validation("invalid_classification", "a flex classification is required")
	}

	existing, err := q.repo.FindBySchedule(ctx, tx, req.TenantID, req.RevenueScheduleID)
	if err != nil {
		return nil, false, fmt.Errorf("find flex item: %w", err)
	}
	if existing != nil {
		if err := q.refresh(ctx, tx, existing, req); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	now := q.clock.Now()
	item := domain.FlexReviewItem{
		ID:                q.genID.Generate(),
		TenantID:          req.TenantID,
		RevenueScheduleID: req.RevenueScheduleID,
		Classification:    req.Classification,
		ReasonCode:        optional(req.ReasonCode),
		Status:            domain.ItemStatusOpen,
		SourceDepositID:   req.SourceDepositID,
		SourceLineID:      req.SourceLineID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// The savepoint lets a lost insert race fall back to the winner's row
	// without aborting the outer transaction.
	err = tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return q.repo.Insert(ctx, sp, &item)
	})
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return nil, false, fmt.Errorf("insert flex item: %w", err)
		}
		existing, err = q.repo.FindBySchedule(ctx, tx, req.TenantID, req.RevenueScheduleID)
		if err != nil {
			return nil, false, fmt.Errorf("find flex item: %w", err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("flex item for schedule %s vanished after duplicate insert", req.RevenueScheduleID)
		}
		return existing, false, nil
	}

	if err := q.announce(ctx, tx, item); err != nil {
		return nil, false, err
	}
	q.metrics.IncFlexItem(string(item.Classification), string(item.Status))
	q.log.Info("flex item enqueued",
		zap.String("tenant_id", item.TenantID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("schedule_id", item.RevenueScheduleID.String()),
		zap.String("classification", string(item.Classification)),
	)
	return &item, true, nil
}

// Retire closes the schedule's open item as resolved by the system. Closed
// items are left alone.
func (q *Queue) Retire(ctx context.Context, tx *gorm.DB, tenantID, scheduleID snowflake.ID, note string) (*domain.FlexReviewItem, error) {
	item, err := q.repo.FindBySchedule(ctx, tx, tenantID, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("find flex item: %w", err)
	}
	if item == nil || item.Status.Terminal() {
		return nil, nil
	}

	now := q.clock.Now()
	actor := systemActor
	item.Status = domain.ItemStatusResolved
	item.ResolvedAt = &now
	item.ResolvedBy = &actor
	item.Notes = optional(note)
	item.UpdatedAt = now
	if err := q.repo.Save(ctx, tx, item); err != nil {
		return nil, fmt.Errorf("retire flex item: %w", err)
	}

	if q.events != nil {
		payload := map[string]any{
			"item_id":             item.ID.String(),
			"revenue_schedule_id": item.RevenueScheduleID.String(),
			"flex_classification": string(item.Classification),
			"status":              string(item.Status),
			"resolved_by":         actor,
		}
		if err := q.events.PublishTx(ctx, tx, item.TenantID, events.TypeFlexItemResolved, fmt.Sprintf("%s:%s:%d", events.TypeFlexItemResolved, item.ID, now.UnixNano()), payload); err != nil {
			return nil, fmt.Errorf("publish flex item event: %w", err)
		}
	}
	q.metrics.IncFlexItem(string(item.Classification), string(item.Status))
	q.log.Info("flex item retired",
		zap.String("tenant_id", item.TenantID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("schedule_id", item.RevenueScheduleID.String()),
		zap.String("note", note),
	)
	return item, nil
}

func (q *Queue) refresh(ctx context.Context, tx *gorm.DB, item *domain.FlexReviewItem, req domain.EnqueueRequest) error {
	if item.Status.Terminal() {
		return nil
	}
	changed := false
	if item.Classification != req.Classification {
		item.Classification = req.Classification
		changed = true
	}
	if reason := optional(req.ReasonCode); reason != nil && (item.ReasonCode == nil || *item.ReasonCode != *reason) {
		item.ReasonCode = reason
		changed = true
	}
	if item.SourceDepositID == nil && req.SourceDepositID != nil {
		item.SourceDepositID = req.SourceDepositID
		changed = true
	}
	if item.SourceLineID == nil && req.SourceLineID != nil {
		item.SourceLineID = req.SourceLineID
		changed = true
	}
	if !changed {
		return nil
	}
	item.UpdatedAt = q.clock.Now()
	if err := q.repo.Save(ctx, tx, item); err != nil {
		return fmt.Errorf("update flex item: %w", err)
	}
	return nil
}

// announce tells every reconciliation manager about a new item and records
// the outbox event.
func (q *Queue) announce(ctx context.Context, tx *gorm.DB, item domain.FlexReviewItem) error {
	payload := map[string]any{
		"item_id":             item.ID.String(),
		"revenue_schedule_id": item.RevenueScheduleID.String(),
		"flex_classification": string(item.Classification),
	}
	if item.ReasonCode != nil {
		payload["reason_code"] = *item.ReasonCode
	}
	if item.SourceLineID != nil {
		payload["source_line_id"] = item.SourceLineID.String()
	}

	if q.authz != nil && q.notifier != nil {
		managers, err := q.authz.UsersWithCapability(ctx, item.TenantID, authorization.ObjectReconciliation, authorization.ActionManage)
		if err != nil {
			return fmt.Errorf("list reconciliation managers: %w", err)
		}
		if err := q.notifier.NotifyTx(ctx, tx, item.TenantID, managers, notificationdomain.Message{
			Kind:    notificationdomain.KindFlexItemCreated,
			Title:   "New flex review item",
			Payload: payload,
		}); err != nil {
			return fmt.Errorf("notify managers: %w", err)
		}
	}

	if q.events != nil {
		if err := q.events.PublishTx(ctx, tx, item.TenantID, events.TypeFlexItemEnqueued, "flex_item:"+item.ID.String(), payload); err != nil {
			return fmt.Errorf("publish flex item event: %w", err)
		}
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
