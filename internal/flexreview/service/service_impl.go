package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/depositrecon/internal/audit/domain"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	"github.com/smallbiznis/depositrecon/internal/observability/metrics"
	"github.com/smallbiznis/depositrecon/internal/providers/email"
	"github.com/smallbiznis/depositrecon/internal/ratelimit"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/recompute"
	settingsdomain "github.com/smallbiznis/depositrecon/internal/settings/domain"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"github.com/smallbiznis/depositrecon/pkg/db/pagination"
	"github.com/smallbiznis/depositrecon/pkg/rls"
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
	Repo     domain.Repository
	Queue    domain.Queue
	RecRepo  recdomain.Repository
	Engine   *recompute.Engine
	Settings settingsdomain.Service
	Authz    authorization.Service
	Notifier notificationdomain.Service
	Email    email.Provider                 `optional:"true"`
	Limiter  *ratelimit.Limiter             `optional:"true"`
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
	queue    domain.Queue
	recRepo  recdomain.Repository
	engine   *recompute.Engine
	settings settingsdomain.Service
	authz    authorization.Service
	notifier notificationdomain.Service
	email    email.Provider
	limiter  *ratelimit.Limiter
	auditSvc auditdomain.Service
	events   events.Publisher
	metrics  *metrics.ReconciliationMetrics
}

func NewService(p Params) domain.Service {
	mailer := p.Email
	if mailer == nil {
		mailer = &email.NoOpProvider{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("flexreview.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		queue:    p.Queue,
		recRepo:  p.RecRepo,
		engine:   p.Engine,
		settings: p.Settings,
		authz:    p.Authz,
		notifier: p.Notifier,
		email:    mailer,
		limiter:  p.Limiter,
		auditSvc: p.AuditSvc,
		events:   p.Events,
		metrics:  p.Metrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (domain.FlexReviewItem, error) {
	tenantID, err := tenantFrom(ctx, req.TenantID)
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	req.TenantID = tenantID

	var item *domain.FlexReviewItem
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		schedule, err := s.recRepo.GetSchedule(ctx, tx, tenantID, req.RevenueScheduleID)
		if err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
		if schedule == nil || schedule.DeletedAt != nil {
			return recdomain.ErrScheduleNotFound
		}

		var created bool
		item, created, err = s.queue.Enqueue(ctx, tx, req)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return s.audit(ctx, tx, tenantID, "flex_review.enqueue", item, nil)
	})
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	return *item, nil
}

// ApproveAndApply applies the pending suggested match behind a chargeback
// item and closes the item as approved.
func (s *Service) ApproveAndApply(ctx context.Context, id snowflake.ID, notes string) (domain.FlexReviewItem, error) {
	tenantID, err := tenantFrom(ctx, 0)
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	settings, err := s.settings.Resolve(ctx, tenantID)
	if err != nil {
		return domain.FlexReviewItem{}, err
	}

	var approved domain.FlexReviewItem
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		item, err := s.repo.Lock(ctx, tx, tenantID, id)
		if err != nil {
			return fmt.Errorf("lock flex item: %w", err)
		}
		if item == nil {
			return domain.ErrItemNotFound
		}
		if !domain.PolicyFor(item.Classification).Approve {
			return domain.ErrNotChargeback
		}
		if item.Status != domain.ItemStatusOpen {
			return domain.ErrItemNotOpen
		}
		if item.SourceLineID == nil {
			return domain.ErrSuggestedMatchNotFound
		}

		line, err := s.recRepo.LockLine(ctx, tx, tenantID, *item.SourceLineID)
		if err != nil {
			return fmt.Errorf("lock line: %w", err)
		}
		if line == nil {
			return recdomain.ErrLineNotFound
		}
		if line.Reconciled {
			return recdomain.ErrLineReconciled
		}

		match, err := s.recRepo.FindSuggestedMatch(ctx, tx, tenantID, line.ID, item.RevenueScheduleID)
		if err != nil {
			return fmt.Errorf("find suggested match: %w", err)
		}
		if match == nil {
			return domain.ErrSuggestedMatchNotFound
		}

		lineMatches, err := s.recRepo.ListMatchesByLines(ctx, tx, tenantID, []snowflake.ID{line.ID})
		if err != nil {
			return fmt.Errorf("list line matches: %w", err)
		}
		state := allocation.DeriveLineState(*line, lineMatches, settings.AllocationEpsilon)
		if !allocation.Fits(match.UsageAmount, state.UsageUnallocated, settings.AllocationEpsilon) ||
			!allocation.Fits(match.CommissionAmount, state.CommissionUnallocated, settings.AllocationEpsilon) {
			return domain.ErrSuggestedMatchExceedsLine
		}

		now := s.clock.Now()
		match.Status = recdomain.MatchStatusApplied
		match.UpdatedAt = now
		if err := s.recRepo.SaveMatch(ctx, tx, match); err != nil {
			return fmt.Errorf("apply suggested match: %w", err)
		}

		if _, err := s.engine.Cascade(ctx, tx, settings, recompute.Targets{
			LineIDs:     []snowflake.ID{line.ID},
			ScheduleIDs: []snowflake.ID{item.RevenueScheduleID},
			DepositIDs:  []snowflake.ID{match.DepositID},
		}); err != nil {
			return err
		}

		// The cascade may have refreshed the item; close the stored row.
		item, err = s.repo.Lock(ctx, tx, tenantID, id)
		if err != nil {
			return fmt.Errorf("reload flex item: %w", err)
		}
		s.close(ctx, item, domain.ItemStatusApproved, notes)
		if err := s.repo.Save(ctx, tx, item); err != nil {
			return fmt.Errorf("save flex item: %w", err)
		}

		if err := s.audit(ctx, tx, tenantID, "flex_review.approve", item, map[string]any{
			"match_id": match.ID.String(),
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.TypeFlexItemApproved, item); err != nil {
			return err
		}
		approved = *item
		return nil
	})
	if err != nil {
		return domain.FlexReviewItem{}, err
	}

	s.metrics.IncFlexItem(string(approved.Classification), string(approved.Status))
	s.log.Info("flex item approved",
		zap.String("tenant_id", tenantID.String()),
		zap.String("item_id", approved.ID.String()),
	)
	return approved, nil
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID, req domain.ResolveRequest) (domain.FlexReviewItem, error) {
	tenantID, err := tenantFrom(ctx, 0)
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	if !validResolution(req.Status) {
		return domain.FlexReviewItem{}, domain.ErrInvalidResolution
	}

	var resolved domain.FlexReviewItem
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		item, err := s.resolveTx(ctx, tx, tenantID, id, req.Status, req.Notes)
		if err != nil {
			return err
		}
		resolved = *item
		return nil
	})
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	s.metrics.IncFlexItem(string(resolved.Classification), string(resolved.Status))
	return resolved, nil
}

// BulkResolve resolves each item in its own transaction. One failing item
// never rolls back the others.
func (s *Service) BulkResolve(ctx context.Context, req domain.BulkResolveRequest) (domain.BulkResolveResult, error) {
	tenantID, err := tenantFrom(ctx, 0)
	if err != nil {
		return domain.BulkResolveResult{}, err
	}
	if !validResolution(req.Status) {
		return domain.BulkResolveResult{}, domain.ErrInvalidResolution
	}
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		return domain.BulkResolveResult{}, domain.ErrEmptyBatch
	}

	result := domain.BulkResolveResult{
		Updated: []snowflake.ID{},
		Failed:  []snowflake.ID{},
		Errors:  map[snowflake.ID]string{},
	}
	for _, id := range ids {
		var item *domain.FlexReviewItem
		err := s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
			var err error
			item, err = s.resolveTx(ctx, tx, tenantID, id, req.Status, req.Notes)
			return err
		})
		if err != nil {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = failureReason(err)
			if recdomain.KindOf(err) == "" {
				s.log.Error("bulk resolve item failed", zap.String("item_id", id.String()), zap.Error(err))
			}
			continue
		}
		result.Updated = append(result.Updated, id)
		s.metrics.IncFlexItem(string(item.Classification), string(item.Status))
	}
	return result, nil
}

func (s *Service) resolveTx(ctx context.Context, tx *gorm.DB, tenantID, id snowflake.ID, status domain.ItemStatus, notes string) (*domain.FlexReviewItem, error) {
	item, err := s.repo.Lock(ctx, tx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("lock flex item: %w", err)
	}
	if item == nil {
		return nil, domain.ErrItemNotFound
	}
	if !domain.PolicyFor(item.Classification).Resolve {
		return nil, domain.ErrChargebackMustBeApproved
	}
	if item.Status != domain.ItemStatusOpen {
		return nil, domain.ErrItemNotOpen
	}

	s.close(ctx, item, status, notes)
	if err := s.repo.Save(ctx, tx, item); err != nil {
		return nil, fmt.Errorf("save flex item: %w", err)
	}
	if err := s.audit(ctx, tx, tenantID, "flex_review.resolve", item, map[string]any{
		"status": string(status),
	}); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, events.TypeFlexItemResolved, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) Assign(ctx context.Context, id snowflake.ID, userID *string) (domain.FlexReviewItem, error) {
	tenantID, err := tenantFrom(ctx, 0)
	if err != nil {
		return domain.FlexReviewItem{}, err
	}

	var assignee *string
	if userID != nil {
		if trimmed := strings.TrimSpace(*userID); trimmed != "" {
			assignee = &trimmed
		}
	}
	if assignee != nil {
		ok, err := s.authz.HasCapability(ctx, *assignee, tenantID, authorization.ObjectReconciliation, authorization.ActionManage)
		if err != nil {
			return domain.FlexReviewItem{}, err
		}
		if !ok {
			return domain.FlexReviewItem{}, domain.ErrAssigneeNotPermitted
		}
	}

	var assigned domain.FlexReviewItem
	err = s.inTenantTx(ctx, tenantID, func(tx *gorm.DB) error {
		item, err := s.repo.Lock(ctx, tx, tenantID, id)
		if err != nil {
			return fmt.Errorf("lock flex item: %w", err)
		}
		if item == nil {
			return domain.ErrItemNotFound
		}
		if item.Status.Terminal() {
			return domain.ErrItemNotOpen
		}

		if sameAssignee(item.AssignedToUserID, assignee) {
			assigned = *item
			return nil
		}

		previous := item.AssignedToUserID
		item.AssignedToUserID = assignee
		item.UpdatedAt = s.clock.Now()
		if err := s.repo.Save(ctx, tx, item); err != nil {
			return fmt.Errorf("save flex item: %w", err)
		}

		meta := map[string]any{}
		if previous != nil {
			meta["previous_assignee"] = *previous
		}
		if assignee != nil {
			meta["assignee"] = *assignee
			if err := s.notifier.NotifyTx(ctx, tx, tenantID, []string{*assignee}, notificationdomain.Message{
				Kind:  notificationdomain.KindFlexItemAssigned,
				Title: "Flex review item assigned to you",
				Payload: map[string]any{
					"item_id":             item.ID.String(),
					"revenue_schedule_id": item.RevenueScheduleID.String(),
					"flex_classification": string(item.Classification),
				},
			}); err != nil {
				return fmt.Errorf("notify assignee: %w", err)
			}
		}
		if err := s.audit(ctx, tx, tenantID, "flex_review.assign", item, meta); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.TypeFlexItemAssigned, item); err != nil {
			return err
		}
		assigned = *item
		return nil
	})
	if err != nil {
		return domain.FlexReviewItem{}, err
	}
	return assigned, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	tenantID, err := tenantFrom(ctx, 0)
	if err != nil {
		return domain.ListResponse{}, err
	}
	if req.Status != "" && !validStatus(req.Status) {
		return domain.ListResponse{}, recdomain.Validation("invalid_status", "unknown status %q", req.Status)
	}
	cursor, err := pagination.ParseKeyset(req.PageToken)
	if err != nil {
		return domain.ListResponse{}, recdomain.Validation("invalid_page_token", "page token is invalid")
	}

	pageSize := req.Size()
	items, err := s.repo.List(ctx, s.db, domain.ItemFilter{
		TenantID:         tenantID,
		Status:           req.Status,
		AssignedToUserID: req.AssignedToUserID,
		Unassigned:       req.Unassigned,
		Cursor:           cursor,
		Limit:            pageSize,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *domain.FlexReviewItem) string {
		return pagination.KeysetToken(item.ID, item.CreatedAt)
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	resp := domain.ListResponse{Items: make([]domain.FlexReviewItem, 0, len(items))}
	for _, item := range items {
		if item != nil {
			resp.Items = append(resp.Items, *item)
		}
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) close(ctx context.Context, item *domain.FlexReviewItem, status domain.ItemStatus, notes string) {
	now := s.clock.Now()
	actor := auditcontext.ActorIDOrSystem(ctx)
	item.Status = status
	item.ResolvedAt = &now
	item.ResolvedBy = &actor
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		item.Notes = &trimmed
	}
	item.UpdatedAt = now
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, action string, item *domain.FlexReviewItem, extra map[string]any) error {
	if s.auditSvc == nil {
		return nil
	}
	targetID := item.ID.String()
	meta := map[string]any{
		"revenue_schedule_id": item.RevenueScheduleID.String(),
		"flex_classification": string(item.Classification),
		"status":              string(item.Status),
	}
	for k, v := range extra {
		meta[k] = v
	}
	return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		TenantID:   &tenantID,
		Action:     action,
		TargetType: "flex_review_item",
		TargetID:   &targetID,
		Metadata:   meta,
	})
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, item *domain.FlexReviewItem) error {
	if s.events == nil {
		return nil
	}
	payload := map[string]any{
		"item_id":             item.ID.String(),
		"revenue_schedule_id": item.RevenueScheduleID.String(),
		"flex_classification": string(item.Classification),
		"status":              string(item.Status),
	}
	if item.AssignedToUserID != nil {
		payload["assigned_to_user_id"] = *item.AssignedToUserID
	}
	key := fmt.Sprintf("%s:%s:%d", eventType, item.ID, item.UpdatedAt.UnixNano())
	return s.events.PublishTx(ctx, tx, item.TenantID, eventType, key, payload)
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

func tenantFrom(ctx context.Context, explicit snowflake.ID) (snowflake.ID, error) {
	if explicit != 0 {
		return explicit, nil
	}
	tenantID, ok := tenantcontext.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return 0, recdomain.ErrInvalidTenant
	}
	return tenantID, nil
}

func validResolution(status domain.ItemStatus) bool {
	return status == domain.ItemStatusResolved || status == domain.ItemStatusRejected
}

func validStatus(status domain.ItemStatus) bool {
	switch status {
	case domain.ItemStatusOpen, domain.ItemStatusApproved, domain.ItemStatusResolved, domain.ItemStatusRejected:
		return true
	}
	return false
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func failureReason(err error) string {
	var domainErr *recdomain.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	return "internal error"
}
