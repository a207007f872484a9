package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "PENDING"
	DepositStatusInReview  DepositStatus = "IN_REVIEW"
	DepositStatusCompleted DepositStatus = "COMPLETED"
)

type LineStatus string

const (
	LineStatusUnmatched        LineStatus = "UNMATCHED"
	LineStatusPartiallyMatched LineStatus = "PARTIALLY_MATCHED"
	LineStatusMatched          LineStatus = "MATCHED"
	LineStatusIgnored          LineStatus = "IGNORED"
)

type ScheduleStatus string

const (
	ScheduleStatusOpen       ScheduleStatus = "OPEN"
	ScheduleStatusUnderpaid  ScheduleStatus = "UNDERPAID"
	ScheduleStatusReconciled ScheduleStatus = "RECONCILED"
	ScheduleStatusOverpaid   ScheduleStatus = "OVERPAID"
)

type FlexClassification string

const (
	FlexClassificationNone                   FlexClassification = "NONE"
	FlexClassificationFlexProduct            FlexClassification = "FLEX_PRODUCT"
	FlexClassificationFlexChargeback         FlexClassification = "FLEX_CHARGEBACK"
	FlexClassificationFlexChargebackReversal FlexClassification = "FLEX_CHARGEBACK_REVERSAL"
)

// IsChargeback reports whether items of this classification are settled by
// approving the pending match rather than by resolving them.
func (c FlexClassification) IsChargeback() bool {
	return c == FlexClassificationFlexChargeback || c == FlexClassificationFlexChargebackReversal
}

const (
	FlexReasonNegativeUsage        = "negative_usage"
	FlexReasonUsageExceedsExpected = "usage_exceeds_expected"
	FlexReasonChargebackReversal   = "chargeback_reversal"
)

type MatchStatus string

const (
	MatchStatusSuggested MatchStatus = "SUGGESTED"
	MatchStatusApplied   MatchStatus = "APPLIED"
)

type MatchSource string

const (
	MatchSourceManual MatchSource = "MANUAL"
	MatchSourceAuto   MatchSource = "AUTO"
)

type MatchGroupStatus string

const (
	MatchGroupStatusActive MatchGroupStatus = "ACTIVE"
	MatchGroupStatusUndone MatchGroupStatus = "UNDONE"
)

type MatchType string

const (
	MatchTypeOneToOne   MatchType = "ONE_TO_ONE"
	MatchTypeOneToMany  MatchType = "ONE_TO_MANY"
	MatchTypeManyToOne  MatchType = "MANY_TO_ONE"
	MatchTypeManyToMany MatchType = "MANY_TO_MANY"
)

func (t MatchType) Valid() bool {
	switch t {
	case MatchTypeOneToOne, MatchTypeOneToMany, MatchTypeManyToOne, MatchTypeManyToMany:
		return true
	}
	return false
}

type EngineMode string

const (
	EngineModeLegacy       EngineMode = "legacy"
	EngineModeHierarchical EngineMode = "hierarchical"
)

// Deposit is a batch of remitted amounts from one payer for one period.
type Deposit struct {
	ID                    snowflake.ID     `gorm:"primaryKey" json:"id"`
	TenantID              snowflake.ID     `gorm:"not null;index" json:"tenant_id"`
	Name                  string           `gorm:"type:text" json:"name"`
	PayerName             string           `gorm:"type:text" json:"payer_name"`
	PeriodStart           *time.Time       `json:"period_start,omitempty"`
	PeriodEnd             *time.Time       `json:"period_end,omitempty"`
	Status                DepositStatus    `gorm:"type:text;not null" json:"status"`
	Reconciled            bool             `gorm:"not null;default:false" json:"reconciled"`
	ReconciledAt          *time.Time       `json:"reconciled_at,omitempty"`
	TotalUsage            decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"total_usage"`
	TotalCommission       decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"total_commission"`
	UsageAllocated        decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"usage_allocated"`
	UsageUnallocated      decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"usage_unallocated"`
	CommissionAllocated   decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"commission_allocated"`
	CommissionUnallocated decimal.Decimal  `gorm:"type:numeric(20,4);not null;default:0" json:"commission_unallocated"`
	TotalItems            int              `gorm:"not null;default:0" json:"total_items"`
	MatchedItems          int              `gorm:"not null;default:0" json:"matched_items"`
	IgnoredItems          int              `gorm:"not null;default:0" json:"ignored_items"`
	UnreconciledItems     int              `gorm:"not null;default:0" json:"unreconciled_items"`
	ActualReceivedAmount  *decimal.Decimal `gorm:"type:numeric(20,4)" json:"actual_received_amount,omitempty"`
	ReceivedDate          *time.Time       `json:"received_date,omitempty"`
	ReceivedBy            *string          `gorm:"type:text" json:"received_by,omitempty"`
	CreatedAt             time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"not null" json:"updated_at"`
}

func (Deposit) TableName() string { return "deposits" }

// DepositLineItem is one row of a deposit.
type DepositLineItem struct {
	ID                       snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID                 snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	DepositID                snowflake.ID    `gorm:"not null;index" json:"deposit_id"`
	LineNumber               int             `gorm:"not null" json:"line_number"`
	AccountName              string          `gorm:"type:text" json:"account_name"`
	ProductName              string          `gorm:"type:text" json:"product_name"`
	PaymentDate              *time.Time      `json:"payment_date,omitempty"`
	Usage                    decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"usage"`
	Commission               decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"commission"`
	UsageAllocated           decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"usage_allocated"`
	UsageUnallocated         decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"usage_unallocated"`
	CommissionAllocated      decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"commission_allocated"`
	CommissionUnallocated    decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"commission_unallocated"`
	Status                   LineStatus      `gorm:"type:text;not null" json:"status"`
	Reconciled               bool            `gorm:"not null;default:false" json:"reconciled"`
	ReconciledAt             *time.Time      `json:"reconciled_at,omitempty"`
	PrimaryRevenueScheduleID *snowflake.ID   `json:"primary_revenue_schedule_id,omitempty"`
	HasSuggestedMatches      bool            `gorm:"not null;default:false" json:"has_suggested_matches"`
	CreatedAt                time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt                time.Time       `gorm:"not null" json:"updated_at"`
}

func (DepositLineItem) TableName() string { return "deposit_line_items" }

// RevenueSchedule is the expected usage/commission a line reconciles against.
type RevenueSchedule struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID       `gorm:"not null;index" json:"tenant_id"`
	AccountName        string             `gorm:"type:text" json:"account_name"`
	ProductName        string             `gorm:"type:text" json:"product_name"`
	ScheduleDate       time.Time          `gorm:"not null" json:"schedule_date"`
	ExpectedUsage      decimal.Decimal    `gorm:"type:numeric(20,4);not null;default:0" json:"expected_usage"`
	ExpectedCommission decimal.Decimal    `gorm:"type:numeric(20,4);not null;default:0" json:"expected_commission"`
	ActualUsage        decimal.Decimal    `gorm:"type:numeric(20,4);not null;default:0" json:"actual_usage"`
	ActualCommission   decimal.Decimal    `gorm:"type:numeric(20,4);not null;default:0" json:"actual_commission"`
	Status             ScheduleStatus     `gorm:"type:text;not null" json:"status"`
	FlexClassification FlexClassification `gorm:"type:text;not null" json:"flex_classification"`
	FlexReasonCode     *string            `gorm:"type:text" json:"flex_reason_code,omitempty"`
	ParentScheduleID   *snowflake.ID      `gorm:"index" json:"parent_schedule_id,omitempty"`
	FlexSourceLineID   *snowflake.ID      `gorm:"index" json:"flex_source_line_id,omitempty"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
	CreatedAt          time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null" json:"updated_at"`
}

func (RevenueSchedule) TableName() string { return "revenue_schedules" }

// IsFlexCreated reports whether the flex engine created this schedule for a
// line. Such schedules keep the classification they were created with.
func (s RevenueSchedule) IsFlexCreated() bool {
	return s.FlexSourceLineID != nil
}

// DepositLineMatch allocates part of a line to one schedule.
type DepositLineMatch struct {
	ID                snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	MatchGroupID      snowflake.ID    `gorm:"not null;index" json:"match_group_id"`
	DepositID         snowflake.ID    `gorm:"not null;index" json:"deposit_id"`
	LineItemID        snowflake.ID    `gorm:"not null;index" json:"line_item_id"`
	RevenueScheduleID snowflake.ID    `gorm:"not null;index" json:"revenue_schedule_id"`
	Status            MatchStatus     `gorm:"type:text;not null" json:"status"`
	UsageAmount       decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"usage_amount"`
	CommissionAmount  decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0" json:"commission_amount"`
	Confidence        decimal.Decimal `gorm:"type:numeric(6,4);not null;default:0" json:"confidence"`
	Source            MatchSource     `gorm:"type:text;not null" json:"source"`
	Reconciled        bool            `gorm:"not null;default:false" json:"reconciled"`
	ReconciledAt      *time.Time      `json:"reconciled_at,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updated_at"`
}

func (DepositLineMatch) TableName() string { return "deposit_line_matches" }

// DepositMatchGroup owns the matches created by one apply action.
type DepositMatchGroup struct {
	ID           snowflake.ID     `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID     `gorm:"not null;index" json:"tenant_id"`
	DepositID    snowflake.ID     `gorm:"not null;index" json:"deposit_id"`
	MatchType    MatchType        `gorm:"type:text;not null" json:"match_type"`
	Source       MatchSource      `gorm:"type:text;not null" json:"source"`
	Status       MatchGroupStatus `gorm:"type:text;not null" json:"status"`
	CreatedBy    string           `gorm:"type:text" json:"created_by"`
	UndoneAt     *time.Time       `json:"undone_at,omitempty"`
	UndoneBy     *string          `gorm:"type:text" json:"undone_by,omitempty"`
	UndoneReason *string          `gorm:"type:text" json:"undone_reason,omitempty"`
	CreatedAt    time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"not null" json:"updated_at"`
}

func (DepositMatchGroup) TableName() string { return "deposit_match_groups" }

// Allocation is the usage/commission assigned to one (line, schedule) pair.
type Allocation struct {
	LineItemID        snowflake.ID    `json:"line_item_id"`
	RevenueScheduleID snowflake.ID    `json:"revenue_schedule_id"`
	UsageAmount       decimal.Decimal `json:"usage_amount"`
	CommissionAmount  decimal.Decimal `json:"commission_amount"`
}

const (
	WarningScheduleOverAllocated   = "schedule_over_allocated"
	WarningScheduleFullyReconciled = "schedule_fully_reconciled"
	WarningLineFullyAllocated      = "line_fully_allocated"
	WarningLineReconciled          = "line_reconciled"
)

type PreviewWarning struct {
	Code              string        `json:"code"`
	Message           string        `json:"message"`
	LineItemID        *snowflake.ID `json:"line_item_id,omitempty"`
	RevenueScheduleID *snowflake.ID `json:"revenue_schedule_id,omitempty"`
}

// Preview is the unpersisted result of splitting a selection.
type Preview struct {
	MatchType   MatchType        `json:"match_type"`
	Allocations []Allocation     `json:"allocations"`
	Warnings    []PreviewWarning `json:"warnings"`
}
