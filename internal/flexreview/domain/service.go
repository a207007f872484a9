package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/pkg/db/pagination"
	"gorm.io/gorm"
)

type EnqueueRequest struct {
	TenantID          snowflake.ID                 `json:"tenant_id"`
	RevenueScheduleID snowflake.ID                 `json:"revenue_schedule_id"`
	Classification    recdomain.FlexClassification `json:"flex_classification"`
	ReasonCode        string                       `json:"reason_code"`
	SourceDepositID   *snowflake.ID                `json:"source_deposit_id,omitempty"`
	SourceLineID      *snowflake.ID                `json:"source_line_id,omitempty"`
}

// Queue is the write side used by the recompute engine. It runs on the
// caller's transaction and never touches matches.
type Queue interface {
	// Enqueue upserts the item for the schedule. created is true only when
	// a new item was inserted.
	Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (item *FlexReviewItem, created bool, err error)
	// Retire resolves the open item for a schedule that no longer needs
	// review. closed is nil when there was no open item.
	Retire(ctx context.Context, tx *gorm.DB, tenantID, scheduleID snowflake.ID, note string) (closed *FlexReviewItem, err error)
}

type ResolveRequest struct {
	Status ItemStatus `json:"status"`
	Notes  string     `json:"notes"`
}

type BulkResolveRequest struct {
	IDs    []snowflake.ID `json:"ids"`
	Status ItemStatus     `json:"status"`
	Notes  string         `json:"notes"`
}

type BulkResolveResult struct {
	Updated []snowflake.ID          `json:"updated"`
	Failed  []snowflake.ID          `json:"failed"`
	Errors  map[snowflake.ID]string `json:"errors"`
}

type ListRequest struct {
	pagination.Pagination
	Status           ItemStatus
	AssignedToUserID string
	Unassigned       bool
}

type ListResponse struct {
	pagination.PageInfo
	Items []FlexReviewItem `json:"items"`
}

type DigestRequest struct {
	TenantID   snowflake.ID
	MinAgeDays *int
	DryRun     bool
}

type DigestBucket struct {
	UserID       string `json:"user_id,omitempty"`
	OpenCount    int    `json:"open_count"`
	OverdueCount int    `json:"overdue_count"`
}

type DigestResult struct {
	TenantID    snowflake.ID   `json:"tenant_id"`
	DigestDate  string         `json:"digest_date"`
	MinAgeDays  int            `json:"min_age_days"`
	DryRun      bool           `json:"dry_run"`
	Total       DigestBucket   `json:"total"`
	Unassigned  DigestBucket   `json:"unassigned"`
	PerManager  []DigestBucket `json:"per_manager"`
	Delivered   []string       `json:"delivered"`
	AlreadySent []string       `json:"already_sent"`
}

type Service interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (FlexReviewItem, error)
	ApproveAndApply(ctx context.Context, id snowflake.ID, notes string) (FlexReviewItem, error)
	Resolve(ctx context.Context, id snowflake.ID, req ResolveRequest) (FlexReviewItem, error)
	BulkResolve(ctx context.Context, req BulkResolveRequest) (BulkResolveResult, error)
	Assign(ctx context.Context, id snowflake.ID, userID *string) (FlexReviewItem, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	RunDigest(ctx context.Context, req DigestRequest) (DigestResult, error)
}

// ItemFilter is the storage-level list filter.
type ItemFilter struct {
	TenantID         snowflake.ID
	Status           ItemStatus
	AssignedToUserID string
	Unassigned       bool
	CreatedBefore    *time.Time
	Cursor           *pagination.KeysetCursor
	Limit            int
}

type Repository interface {
	FindBySchedule(ctx context.Context, db *gorm.DB, tenantID, scheduleID snowflake.ID) (*FlexReviewItem, error)
	Lock(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*FlexReviewItem, error)
	Insert(ctx context.Context, db *gorm.DB, item *FlexReviewItem) error
	Save(ctx context.Context, db *gorm.DB, item *FlexReviewItem) error
	List(ctx context.Context, db *gorm.DB, filter ItemFilter) ([]*FlexReviewItem, error)
	ListOpen(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]FlexReviewItem, error)
	ListTenantsWithOpenItems(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)

	HasDelivery(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, userID, date string) (bool, error)
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *DigestDelivery) error
}
