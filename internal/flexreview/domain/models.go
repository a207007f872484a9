package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

type ItemStatus string

const (
	ItemStatusOpen     ItemStatus = "OPEN"
	ItemStatusApproved ItemStatus = "APPROVED"
	ItemStatusResolved ItemStatus = "RESOLVED"
	ItemStatusRejected ItemStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s ItemStatus) Terminal() bool {
	return s != ItemStatusOpen
}

// FlexReviewItem is an exception raised for a revenue schedule whose actuals
// do not fit a normal match.
type FlexReviewItem struct {
	ID                snowflake.ID                 `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID                 `gorm:"not null;uniqueIndex:ux_flex_review_items_schedule,priority:1" json:"tenant_id"`
	RevenueScheduleID snowflake.ID                 `gorm:"not null;uniqueIndex:ux_flex_review_items_schedule,priority:2" json:"revenue_schedule_id"`
	Classification    recdomain.FlexClassification `gorm:"type:text;not null" json:"flex_classification"`
	ReasonCode        *string                      `gorm:"type:text" json:"reason_code,omitempty"`
	Status            ItemStatus                   `gorm:"type:text;not null;index" json:"status"`
	AssignedToUserID  *string                      `gorm:"type:text;index" json:"assigned_to_user_id,omitempty"`
	SourceDepositID   *snowflake.ID                `json:"source_deposit_id,omitempty"`
	SourceLineID      *snowflake.ID                `json:"source_line_id,omitempty"`
	ResolvedAt        *time.Time                   `json:"resolved_at,omitempty"`
	ResolvedBy        *string                      `gorm:"type:text" json:"resolved_by,omitempty"`
	Notes             *string                      `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt         time.Time                    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time                    `gorm:"not null" json:"updated_at"`
}

func (FlexReviewItem) TableName() string { return "flex_review_items" }

// DigestDelivery records that a manager received the digest for a day.
type DigestDelivery struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID `gorm:"not null;uniqueIndex:ux_flex_digest_deliveries_day,priority:1" json:"tenant_id"`
	UserID       string       `gorm:"type:text;not null;uniqueIndex:ux_flex_digest_deliveries_day,priority:2" json:"user_id"`
	DigestDate   string       `gorm:"type:text;not null;uniqueIndex:ux_flex_digest_deliveries_day,priority:3" json:"digest_date"`
	OpenCount    int          `gorm:"not null" json:"open_count"`
	OverdueCount int          `gorm:"not null" json:"overdue_count"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (DigestDelivery) TableName() string { return "flex_digest_deliveries" }
