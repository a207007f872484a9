package allocation

import (
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

// LineState is the derived part of a DepositLineItem.
type LineState struct {
	Status                   domain.LineStatus
	UsageAllocated           decimal.Decimal
	UsageUnallocated         decimal.Decimal
	CommissionAllocated      decimal.Decimal
	CommissionUnallocated    decimal.Decimal
	PrimaryRevenueScheduleID *snowflake.ID
}

// DeriveLineState computes a line's allocation totals, status and primary
// schedule from its applied matches. Matches for other lines and suggested
// matches are ignored. Ignored lines report zero allocation.
func DeriveLineState(line domain.DepositLineItem, matches []domain.DepositLineMatch, eps decimal.Decimal) LineState {
	if line.Status == domain.LineStatusIgnored {
		return LineState{
			Status:                domain.LineStatusIgnored,
			UsageAllocated:        decimal.Zero,
			UsageUnallocated:      line.Usage,
			CommissionAllocated:   decimal.Zero,
			CommissionUnallocated: line.Commission,
		}
	}

	usage := decimal.Zero
	commission := decimal.Zero
	weights := map[snowflake.ID]decimal.Decimal{}
	hasNonZero := false
	for _, m := range matches {
		if m.LineItemID != line.ID || m.Status != domain.MatchStatusApplied {
			continue
		}
		usage = usage.Add(m.UsageAmount)
		commission = commission.Add(m.CommissionAmount)
		w := Weight(m.UsageAmount, m.CommissionAmount)
		weights[m.RevenueScheduleID] = weights[m.RevenueScheduleID].Add(w)
		if !IsZero(w, eps) {
			hasNonZero = true
		}
	}

	state := LineState{
		UsageAllocated:        usage,
		UsageUnallocated:      Remainder(line.Usage, usage),
		CommissionAllocated:   commission,
		CommissionUnallocated: Remainder(line.Commission, commission),
	}

	switch {
	case IsZero(state.UsageUnallocated, eps) && IsZero(state.CommissionUnallocated, eps):
		state.Status = domain.LineStatusMatched
	case hasNonZero:
		state.Status = domain.LineStatusPartiallyMatched
	default:
		state.Status = domain.LineStatusUnmatched
	}

	state.PrimaryRevenueScheduleID = primarySchedule(weights)
	return state
}

func primarySchedule(weights map[snowflake.ID]decimal.Decimal) *snowflake.ID {
	if len(weights) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	best := ids[0]
	for _, id := range ids[1:] {
		if weights[id].GreaterThan(weights[best]) {
			best = id
		}
	}
	if weights[best].IsZero() {
		return nil
	}
	return &best
}

// ApplyTo writes the derived fields onto the line. It is the only writer of
// those fields.
func (s LineState) ApplyTo(line *domain.DepositLineItem) {
	line.Status = s.Status
	line.UsageAllocated = s.UsageAllocated
	line.UsageUnallocated = s.UsageUnallocated
	line.CommissionAllocated = s.CommissionAllocated
	line.CommissionUnallocated = s.CommissionUnallocated
	line.PrimaryRevenueScheduleID = s.PrimaryRevenueScheduleID
}

// Matches reports whether the stored line already carries this state.
func (s LineState) Matches(line domain.DepositLineItem) bool {
	if line.Status != s.Status ||
		!line.UsageAllocated.Equal(s.UsageAllocated) ||
		!line.UsageUnallocated.Equal(s.UsageUnallocated) ||
		!line.CommissionAllocated.Equal(s.CommissionAllocated) ||
		!line.CommissionUnallocated.Equal(s.CommissionUnallocated) {
		return false
	}
	switch {
	case line.PrimaryRevenueScheduleID == nil && s.PrimaryRevenueScheduleID == nil:
		return true
	case line.PrimaryRevenueScheduleID == nil || s.PrimaryRevenueScheduleID == nil:
		return false
	default:
		return *line.PrimaryRevenueScheduleID == *s.PrimaryRevenueScheduleID
	}
}

// ScheduleState is the derived part of a RevenueSchedule, excluding the flex
// classification which is decided by a classifier strategy.
type ScheduleState struct {
	ActualUsage      decimal.Decimal
	ActualCommission decimal.Decimal
	Status           domain.ScheduleStatus
	AppliedMatches   int
}

// DeriveScheduleState sums the applied matches touching the schedule and
// compares the actuals with the expected amounts within tolerance.
func DeriveScheduleState(schedule domain.RevenueSchedule, matches []domain.DepositLineMatch, tolerance, eps decimal.Decimal) ScheduleState {
	state := ScheduleState{ActualUsage: decimal.Zero, ActualCommission: decimal.Zero}
	for _, m := range matches {
		if m.RevenueScheduleID != schedule.ID || m.Status != domain.MatchStatusApplied {
			continue
		}
		state.ActualUsage = state.ActualUsage.Add(m.UsageAmount)
		state.ActualCommission = state.ActualCommission.Add(m.CommissionAmount)
		state.AppliedMatches++
	}

	if state.AppliedMatches == 0 {
		state.Status = domain.ScheduleStatusOpen
		return state
	}

	usageOK := WithinTolerance(state.ActualUsage, schedule.ExpectedUsage, tolerance, eps)
	commissionOK := WithinTolerance(state.ActualCommission, schedule.ExpectedCommission, tolerance, eps)
	switch {
	case usageOK && commissionOK:
		state.Status = domain.ScheduleStatusReconciled
	case !usageOK:
		state.Status = direction(state.ActualUsage, schedule.ExpectedUsage)
	default:
		state.Status = direction(state.ActualCommission, schedule.ExpectedCommission)
	}
	return state
}

func direction(actual, expected decimal.Decimal) domain.ScheduleStatus {
	if actual.Abs().GreaterThan(expected.Abs()) {
		return domain.ScheduleStatusOverpaid
	}
	return domain.ScheduleStatusUnderpaid
}

// Outstanding is the expected amount of a schedule not yet covered by actuals.
func Outstanding(schedule domain.RevenueSchedule) (usage, commission decimal.Decimal) {
	return Remainder(schedule.ExpectedUsage, schedule.ActualUsage),
		Remainder(schedule.ExpectedCommission, schedule.ActualCommission)
}

// DepositState is the derived part of a Deposit.
type DepositState struct {
	Status                domain.DepositStatus
	TotalUsage            decimal.Decimal
	TotalCommission       decimal.Decimal
	UsageAllocated        decimal.Decimal
	UsageUnallocated      decimal.Decimal
	CommissionAllocated   decimal.Decimal
	CommissionUnallocated decimal.Decimal
	TotalItems            int
	MatchedItems          int
	IgnoredItems          int
	UnreconciledItems     int
}

// DeriveDepositState re-sums the deposit's lines. matchCount is the number of
// matches of any status recorded against the deposit and counts as
// reconciliation activity. A finalized deposit always derives Completed.
func DeriveDepositState(deposit domain.Deposit, lines []domain.DepositLineItem, matchCount int) DepositState {
	state := DepositState{
		TotalUsage:            decimal.Zero,
		TotalCommission:       decimal.Zero,
		UsageAllocated:        decimal.Zero,
		UsageUnallocated:      decimal.Zero,
		CommissionAllocated:   decimal.Zero,
		CommissionUnallocated: decimal.Zero,
	}
	activity := matchCount > 0
	for _, line := range lines {
		state.TotalItems++
		state.TotalUsage = state.TotalUsage.Add(line.Usage)
		state.TotalCommission = state.TotalCommission.Add(line.Commission)
		state.UsageAllocated = state.UsageAllocated.Add(line.UsageAllocated)
		state.UsageUnallocated = state.UsageUnallocated.Add(line.UsageUnallocated)
		state.CommissionAllocated = state.CommissionAllocated.Add(line.CommissionAllocated)
		state.CommissionUnallocated = state.CommissionUnallocated.Add(line.CommissionUnallocated)

		switch line.Status {
		case domain.LineStatusMatched:
			state.MatchedItems++
			activity = true
		case domain.LineStatusIgnored:
			state.IgnoredItems++
			activity = true
		case domain.LineStatusPartiallyMatched:
			activity = true
		}
		if !line.Reconciled && line.Status != domain.LineStatusIgnored {
			state.UnreconciledItems++
		}
	}

	switch {
	case deposit.Reconciled:
		state.Status = domain.DepositStatusCompleted
	case state.TotalItems > 0 && state.MatchedItems+state.IgnoredItems == state.TotalItems:
		state.Status = domain.DepositStatusCompleted
	case activity:
		state.Status = domain.DepositStatusInReview
	default:
		state.Status = domain.DepositStatusPending
	}
	return state
}

// ApplyTo writes the derived fields onto the deposit.
func (s DepositState) ApplyTo(deposit *domain.Deposit) {
	deposit.Status = s.Status
	deposit.TotalUsage = s.TotalUsage
	deposit.TotalCommission = s.TotalCommission
	deposit.UsageAllocated = s.UsageAllocated
	deposit.UsageUnallocated = s.UsageUnallocated
	deposit.CommissionAllocated = s.CommissionAllocated
	deposit.CommissionUnallocated = s.CommissionUnallocated
	deposit.TotalItems = s.TotalItems
	deposit.MatchedItems = s.MatchedItems
	deposit.IgnoredItems = s.IgnoredItems
	deposit.UnreconciledItems = s.UnreconciledItems
}
