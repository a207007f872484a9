package selection

import (
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

// Input is everything needed to preview a selection. Lines and Schedules
// must already be loaded and scoped to the tenant.
type Input struct {
	MatchType   domain.MatchType
	Lines       []domain.DepositLineItem
	Schedules   []domain.RevenueSchedule
	Allocations []domain.Allocation
	Epsilon     decimal.Decimal
}

type pairKey struct {
	line     snowflake.ID
	schedule snowflake.ID
}

type remaining struct {
	usage      decimal.Decimal
	commission decimal.Decimal
}

// BuildPreview computes the per-pair split of a selection without touching
// storage. Explicit allocations are validated against the remaining
// capacity of each line and schedule; otherwise the split follows the
// match type.
func BuildPreview(in Input) (domain.Preview, error) {
	lineIDs := make([]snowflake.ID, 0, len(in.Lines))
	for _, l := range in.Lines {
		lineIDs = append(lineIDs, l.ID)
	}
	scheduleIDs := make([]snowflake.ID, 0, len(in.Schedules))
	for _, s := range in.Schedules {
		scheduleIDs = append(scheduleIDs, s.ID)
	}

	classified, err := Classify(lineIDs, scheduleIDs)
	if err != nil {
		return domain.Preview{}, err
	}
	if in.MatchType != "" && in.MatchType != classified {
		return domain.Preview{}, domain.ErrMatchTypeMismatch
	}

	eps := in.Epsilon
	lines := sortedLines(in.Lines)
	schedules := sortedSchedules(in.Schedules)

	lineRem := make(map[snowflake.ID]remaining, len(lines))
	for _, l := range lines {
		lineRem[l.ID] = remaining{
			usage:      allocation.Remainder(l.Usage, l.UsageAllocated),
			commission: allocation.Remainder(l.Commission, l.CommissionAllocated),
		}
	}
	schedRem := make(map[snowflake.ID]remaining, len(schedules))
	for _, s := range schedules {
		u, c := allocation.Outstanding(s)
		schedRem[s.ID] = remaining{usage: u, commission: c}
	}

	preview := domain.Preview{MatchType: classified}
	preview.Warnings = append(preview.Warnings, selectionWarnings(lines, schedules, lineRem, schedRem, eps)...)

	var allocations []domain.Allocation
	if len(in.Allocations) > 0 {
		allocations, err = validateExplicit(in.Allocations, lineRem, schedRem, eps)
		if err != nil {
			return domain.Preview{}, err
		}
	} else {
		switch classified {
		case domain.MatchTypeOneToOne, domain.MatchTypeManyToOne:
			allocations = fullLineSplit(lines, schedules[0].ID, lineRem)
		case domain.MatchTypeOneToMany:
			allocations = proportionalSplit(lines[0].ID, schedules, lineRem[lines[0].ID], schedRem)
		default:
			allocations = greedySplit(lines, schedules, lineRem, schedRem, eps)
		}
	}

	preview.Allocations = dropZero(allocations, eps)
	preview.Warnings = append(preview.Warnings, overAllocationWarnings(schedules, preview.Allocations, schedRem, eps)...)
	return preview, nil
}

func sortedLines(lines []domain.DepositLineItem) []domain.DepositLineItem {
	out := append([]domain.DepositLineItem(nil), lines...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LineNumber != out[j].LineNumber {
			return out[i].LineNumber < out[j].LineNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedSchedules(schedules []domain.RevenueSchedule) []domain.RevenueSchedule {
	out := append([]domain.RevenueSchedule(nil), schedules...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduleDate.Equal(out[j].ScheduleDate) {
			return out[i].ScheduleDate.Before(out[j].ScheduleDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func selectionWarnings(lines []domain.DepositLineItem, schedules []domain.RevenueSchedule, lineRem, schedRem map[snowflake.ID]remaining, eps decimal.Decimal) []domain.PreviewWarning {
	var warnings []domain.PreviewWarning
	for _, l := range lines {
		id := l.ID
		if l.Reconciled {
			warnings = append(warnings, domain.PreviewWarning{
				Code:       domain.WarningLineReconciled,
				Message:    fmt.Sprintf("line %d is reconciled", l.LineNumber),
				LineItemID: &id,
			})
			continue
		}
		rem := lineRem[l.ID]
		if allocation.IsZero(rem.usage, eps) && allocation.IsZero(rem.commission, eps) {
			warnings = append(warnings, domain.PreviewWarning{
				Code:       domain.WarningLineFullyAllocated,
				Message:    fmt.Sprintf("line %d has nothing left to allocate", l.LineNumber),
				LineItemID: &id,
			})
		}
	}
	for _, s := range schedules {
		id := s.ID
		rem := schedRem[s.ID]
		if s.Status == domain.ScheduleStatusReconciled ||
			(allocation.IsZero(rem.usage, eps) && allocation.IsZero(rem.commission, eps)) {
			warnings = append(warnings, domain.PreviewWarning{
				Code:              domain.WarningScheduleFullyReconciled,
				Message:           "schedule is already fully reconciled",
				RevenueScheduleID: &id,
			})
		}
	}
	return warnings
}

// sameDirection reports whether v can be taken from a remainder rem. Zero
// fits anything; a zero remainder is left to the capacity check.
func sameDirection(v, rem decimal.Decimal) bool {
	return v.IsZero() || rem.IsZero() || v.Sign() == rem.Sign()
}

func validateExplicit(in []domain.Allocation, lineRem, schedRem map[snowflake.ID]remaining, eps decimal.Decimal) ([]domain.Allocation, error) {
	perLine := map[snowflake.ID]remaining{}
	perSchedule := map[snowflake.ID]remaining{}
	merged := map[pairKey]int{}
	var out []domain.Allocation

	for _, a := range in {
		if _, ok := lineRem[a.LineItemID]; !ok {
			return nil, domain.ErrAllocationOutsidePair
		}
		if _, ok := schedRem[a.RevenueScheduleID]; !ok {
			return nil, domain.ErrAllocationOutsidePair
		}
		rem := lineRem[a.LineItemID]
		if !sameDirection(a.UsageAmount, rem.usage) || !sameDirection(a.CommissionAmount, rem.commission) {
			return nil, domain.Validation(domain.ErrAllocationOutOfRange.Code,
				"allocation for line %s runs against the line's sign (usage %s, commission %s)", a.LineItemID, rem.usage, rem.commission)
		}

		key := pairKey{line: a.LineItemID, schedule: a.RevenueScheduleID}
		if idx, ok := merged[key]; ok {
			out[idx].UsageAmount = out[idx].UsageAmount.Add(a.UsageAmount)
			out[idx].CommissionAmount = out[idx].CommissionAmount.Add(a.CommissionAmount)
		} else {
			merged[key] = len(out)
			out = append(out, a)
		}

		l := perLine[a.LineItemID]
		perLine[a.LineItemID] = remaining{usage: l.usage.Add(a.UsageAmount.Abs()), commission: l.commission.Add(a.CommissionAmount.Abs())}
		s := perSchedule[a.RevenueScheduleID]
		perSchedule[a.RevenueScheduleID] = remaining{usage: s.usage.Add(a.UsageAmount.Abs()), commission: s.commission.Add(a.CommissionAmount.Abs())}
	}

	for id, total := range perLine {
		rem := lineRem[id]
		if !allocation.LessOrEqual(total.usage, rem.usage.Abs(), eps) || !allocation.LessOrEqual(total.commission, rem.commission.Abs(), eps) {
			return nil, domain.Validation(domain.ErrAllocationOutOfRange.Code,
				"allocations for line %s exceed its remaining amount (usage %s, commission %s)", id, rem.usage, rem.commission)
		}
	}
	for id, total := range perSchedule {
		rem := schedRem[id]
		if !allocation.LessOrEqual(total.usage, rem.usage.Abs(), eps) || !allocation.LessOrEqual(total.commission, rem.commission.Abs(), eps) {
			return nil, domain.Validation(domain.ErrAllocationOutOfRange.Code,
				"allocations for schedule %s exceed its remaining capacity (usage %s, commission %s)", id, rem.usage, rem.commission)
		}
	}

	if len(dropZero(out, eps)) == 0 {
		return nil, domain.Validation("empty_allocation", "allocations are all zero")
	}
	return out, nil
}

// fullLineSplit allocates each line's full remainder to the one schedule.
// For several lines this is the split proportional to each line's
// outstanding amount.
func fullLineSplit(lines []domain.DepositLineItem, scheduleID snowflake.ID, lineRem map[snowflake.ID]remaining) []domain.Allocation {
	out := make([]domain.Allocation, 0, len(lines))
	for _, l := range lines {
		rem := lineRem[l.ID]
		out = append(out, domain.Allocation{
			LineItemID:        l.ID,
			RevenueScheduleID: scheduleID,
			UsageAmount:       rem.usage,
			CommissionAmount:  rem.commission,
		})
	}
	return out
}

// proportionalSplit spreads one line over schedules by outstanding expected
// amounts.
func proportionalSplit(lineID snowflake.ID, schedules []domain.RevenueSchedule, lineRem remaining, schedRem map[snowflake.ID]remaining) []domain.Allocation {
	usageWeights := make([]decimal.Decimal, len(schedules))
	commissionWeights := make([]decimal.Decimal, len(schedules))
	for i, s := range schedules {
		usageWeights[i] = schedRem[s.ID].usage
		commissionWeights[i] = schedRem[s.ID].commission
	}
	usage := allocation.Split(lineRem.usage, usageWeights)
	commission := allocation.Split(lineRem.commission, commissionWeights)

	out := make([]domain.Allocation, 0, len(schedules))
	for i, s := range schedules {
		out = append(out, domain.Allocation{
			LineItemID:        lineID,
			RevenueScheduleID: s.ID,
			UsageAmount:       usage[i],
			CommissionAmount:  commission[i],
		})
	}
	return out
}

// greedySplit pours lines, in line order, into schedules in schedule-date
// order. Whatever does not fit lands on the last schedule.
func greedySplit(lines []domain.DepositLineItem, schedules []domain.RevenueSchedule, lineRem, schedRem map[snowflake.ID]remaining, eps decimal.Decimal) []domain.Allocation {
	capacity := make(map[snowflake.ID]remaining, len(schedules))
	for _, s := range schedules {
		rem := schedRem[s.ID]
		capacity[s.ID] = remaining{usage: rem.usage.Abs(), commission: rem.commission.Abs()}
	}

	index := map[pairKey]int{}
	var out []domain.Allocation
	add := func(lineID, scheduleID snowflake.ID, usage, commission decimal.Decimal) {
		key := pairKey{line: lineID, schedule: scheduleID}
		if i, ok := index[key]; ok {
			out[i].UsageAmount = out[i].UsageAmount.Add(usage)
			out[i].CommissionAmount = out[i].CommissionAmount.Add(commission)
			return
		}
		index[key] = len(out)
		out = append(out, domain.Allocation{
			LineItemID:        lineID,
			RevenueScheduleID: scheduleID,
			UsageAmount:       usage,
			CommissionAmount:  commission,
		})
	}

	last := schedules[len(schedules)-1].ID
	for _, l := range lines {
		rem := lineRem[l.ID]
		byUsage := !allocation.IsZero(rem.usage, eps)

		left := rem.usage.Abs()
		if !byUsage {
			left = rem.commission.Abs()
		}
		total := left
		commissionLeft := rem.commission

		for _, s := range schedules {
			if allocation.IsZero(left, eps) {
				break
			}
			c := capacity[s.ID]
			room := c.usage
			if !byUsage {
				room = c.commission
			}
			if allocation.IsZero(room, eps) {
				continue
			}
			take := decimal.Min(room, left)
			left = left.Sub(take)

			var usage, commission decimal.Decimal
			if byUsage {
				usage = signed(take, rem.usage)
				commission = allocation.Round(rem.commission.Mul(take).Div(total))
				c.usage = c.usage.Sub(take)
				c.commission = decimal.Max(c.commission.Sub(commission.Abs()), decimal.Zero)
			} else {
				usage = decimal.Zero
				commission = signed(take, rem.commission)
				c.commission = c.commission.Sub(take)
			}
			commissionLeft = commissionLeft.Sub(commission)
			capacity[s.ID] = c
			add(l.ID, s.ID, usage, commission)
		}

		// Residue from rounding or exhausted capacity lands on the last schedule.
		var residualUsage decimal.Decimal
		if byUsage {
			residualUsage = signed(left, rem.usage)
		} else {
			commissionLeft = signed(left, rem.commission)
			residualUsage = decimal.Zero
		}
		if !allocation.IsZero(residualUsage, eps) || !commissionLeft.IsZero() {
			add(l.ID, last, residualUsage, commissionLeft)
		}
	}
	return out
}

func signed(magnitude, like decimal.Decimal) decimal.Decimal {
	if like.IsNegative() {
		return magnitude.Neg()
	}
	return magnitude
}

func dropZero(in []domain.Allocation, eps decimal.Decimal) []domain.Allocation {
	out := make([]domain.Allocation, 0, len(in))
	for _, a := range in {
		if allocation.IsZero(a.UsageAmount, eps) && allocation.IsZero(a.CommissionAmount, eps) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func overAllocationWarnings(schedules []domain.RevenueSchedule, allocations []domain.Allocation, schedRem map[snowflake.ID]remaining, eps decimal.Decimal) []domain.PreviewWarning {
	totals := map[snowflake.ID]remaining{}
	for _, a := range allocations {
		t := totals[a.RevenueScheduleID]
		totals[a.RevenueScheduleID] = remaining{usage: t.usage.Add(a.UsageAmount.Abs()), commission: t.commission.Add(a.CommissionAmount.Abs())}
	}

	var warnings []domain.PreviewWarning
	for _, s := range schedules {
		t, ok := totals[s.ID]
		if !ok {
			continue
		}
		rem := schedRem[s.ID]
		if !allocation.LessOrEqual(t.usage, rem.usage.Abs(), eps) || !allocation.LessOrEqual(t.commission, rem.commission.Abs(), eps) {
			id := s.ID
			warnings = append(warnings, domain.PreviewWarning{
				Code:              domain.WarningScheduleOverAllocated,
				Message:           fmt.Sprintf("allocation exceeds outstanding expected amount (usage %s, commission %s)", rem.usage, rem.commission),
				RevenueScheduleID: &id,
			})
		}
	}
	return warnings
}
