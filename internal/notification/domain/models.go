package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	KindFlexItemCreated  = "flex_review.item_created"
	KindFlexItemAssigned = "flex_review.item_assigned"
	KindFlexDigest       = "flex_review.digest"
)

// Notification is an in-app inbox entry for one user.
type Notification struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID      `gorm:"not null;index:ix_notifications_user,priority:1" json:"tenant_id"`
	UserID    string            `gorm:"type:text;not null;index:ix_notifications_user,priority:2" json:"user_id"`
	Kind      string            `gorm:"type:text;not null" json:"kind"`
	Title     string            `gorm:"type:text;not null" json:"title"`
	Payload   datatypes.JSONMap `json:"payload,omitempty"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

// Preference holds per-user delivery settings.
type Preference struct {
	TenantID     snowflake.ID `gorm:"primaryKey" json:"tenant_id"`
	UserID       string       `gorm:"primaryKey;type:text" json:"user_id"`
	Email        *string      `gorm:"type:text" json:"email,omitempty"`
	DigestEmails bool         `gorm:"not null;default:true" json:"digest_emails"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

func (Preference) TableName() string { return "notification_preferences" }

type Message struct {
	Kind    string
	Title   string
	Payload map[string]any
}

type Repository interface {
	InsertMany(ctx context.Context, db *gorm.DB, items []Notification) error
	ListForUser(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, userID string, limit int) ([]Notification, error)
	GetPreference(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, userID string) (*Preference, error)
	UpsertPreference(ctx context.Context, db *gorm.DB, pref *Preference) error
}

type UpdatePreferenceRequest struct {
	Email        *string `json:"email"`
	DigestEmails *bool   `json:"digest_emails"`
}

type Service interface {
	// NotifyTx writes one inbox entry per user on the caller's transaction.
	NotifyTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, userIDs []string, msg Message) error
	List(ctx context.Context, tenantID snowflake.ID, userID string, limit int) ([]Notification, error)
	Preference(ctx context.Context, tenantID snowflake.ID, userID string) (Preference, error)
	UpdatePreference(ctx context.Context, tenantID snowflake.ID, userID string, req UpdatePreferenceRequest) (Preference, error)
}

var (
	ErrInvalidUser  = errors.New("invalid_user")
	ErrInvalidEmail = errors.New("invalid_email")
	ErrInvalidKind  = errors.New("invalid_kind")
)
