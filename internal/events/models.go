package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TypeMatchGroupApplied  = "reconciliation.match_group.applied"
	TypeMatchGroupUndone   = "reconciliation.match_group.undone"
	TypeDepositFinalized   = "reconciliation.deposit.finalized"
	TypeDepositUnfinalized = "reconciliation.deposit.unfinalized"
	TypeDepositDeleted     = "reconciliation.deposit.deleted"
	TypeFlexItemEnqueued   = "flex_review.item.enqueued"
	TypeFlexItemApproved   = "flex_review.item.approved"
	TypeFlexItemResolved   = "flex_review.item.resolved"
	TypeFlexItemAssigned   = "flex_review.item.assigned"
	TypeSettingsUpdated    = "reconciliation.settings.updated"
)

// Event is an outbox row written in the same transaction as the change it
// describes. A relay outside this module ships unpublished rows.
type Event struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_reconciliation_event_dedupe,priority:1" json:"tenant_id"`
	EventType   string            `gorm:"type:text;not null" json:"event_type"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_reconciliation_event_dedupe,priority:2" json:"dedupe_key,omitempty"`
	Published   bool              `gorm:"not null;default:false" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}

func (Event) TableName() string { return "reconciliation_events" }
