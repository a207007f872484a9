package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CandidateOptions override tenant settings for one candidate search. Zero
// values fall back to the settings.
type CandidateOptions struct {
	Limit                  int
	EngineMode             EngineMode
	IncludeFutureSchedules *bool
	VarianceTolerance      *decimal.Decimal
}

type SelectionRequest struct {
	MatchType   MatchType      `json:"match_type"`
	LineIDs     []snowflake.ID `json:"line_ids"`
	ScheduleIDs []snowflake.ID `json:"schedule_ids"`
	Allocations []Allocation   `json:"allocations,omitempty"`
}

type ApplyMatchGroupRequest struct {
	SelectionRequest
	Source     MatchSource      `json:"source"`
	Confidence *decimal.Decimal `json:"confidence,omitempty"`
}

// MatchGroupResult is the group together with everything it recomputed.
type MatchGroupResult struct {
	Group     DepositMatchGroup  `json:"group"`
	Matches   []DepositLineMatch `json:"matches"`
	Lines     []DepositLineItem  `json:"lines"`
	Schedules []RevenueSchedule  `json:"schedules"`
	Deposit   *Deposit           `json:"deposit,omitempty"`
}

// DepositResult is a deposit with its lines after a lifecycle action.
type DepositResult struct {
	Deposit Deposit           `json:"deposit"`
	Lines   []DepositLineItem `json:"lines"`
}

// Statement is a rendered reconciliation statement.
type Statement struct {
	FileName    string
	ContentType string
	Body        []byte
}

type Service interface {
	GenerateCandidates(ctx context.Context, lineID snowflake.ID, opts CandidateOptions) ([]Candidate, error)
	ClassifySelection(ctx context.Context, lineIDs, scheduleIDs []snowflake.ID) (MatchType, error)
	PreviewMatchGroup(ctx context.Context, req SelectionRequest) (Preview, error)
	ApplyMatchGroup(ctx context.Context, req ApplyMatchGroupRequest) (MatchGroupResult, error)
	UndoMatchGroup(ctx context.Context, groupID snowflake.ID, reason string) (MatchGroupResult, error)

	FinalizeDeposit(ctx context.Context, depositID snowflake.ID) (DepositResult, error)
	UnfinalizeDeposit(ctx context.Context, depositID snowflake.ID) (DepositResult, error)
	DeleteDeposit(ctx context.Context, depositID snowflake.ID) error
	RecomputeDeposit(ctx context.Context, depositID snowflake.ID) (DepositResult, error)
	Statement(ctx context.Context, depositID snowflake.ID) (Statement, error)

	// RefreshSuggestions recomputes the suggested-match flag for unmatched
	// lines of the tenant and returns how many lines changed.
	RefreshSuggestions(ctx context.Context, tenantID snowflake.ID) (int, error)
}
