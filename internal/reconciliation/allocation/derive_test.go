package allocation

import (
	"math/rand"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applied(lineID, scheduleID snowflake.ID, usage, commission string) domain.DepositLineMatch {
	return domain.DepositLineMatch{
		LineItemID:        lineID,
		RevenueScheduleID: scheduleID,
		Status:            domain.MatchStatusApplied,
		UsageAmount:       d(usage),
		CommissionAmount:  d(commission),
	}
}

func TestDeriveLineState(t *testing.T) {
	line := domain.DepositLineItem{ID: 1, Usage: d("100"), Commission: d("10"), Status: domain.LineStatusUnmatched}

	t.Run("unmatched", func(t *testing.T) {
		state := DeriveLineState(line, nil, Epsilon)
		assert.Equal(t, domain.LineStatusUnmatched, state.Status)
		assert.True(t, state.UsageUnallocated.Equal(d("100")))
		assert.Nil(t, state.PrimaryRevenueScheduleID)
	})

	t.Run("fully_matched", func(t *testing.T) {
		state := DeriveLineState(line, []domain.DepositLineMatch{applied(1, 7, "100", "10")}, Epsilon)
		assert.Equal(t, domain.LineStatusMatched, state.Status)
		assert.True(t, state.UsageUnallocated.IsZero())
		assert.True(t, state.CommissionUnallocated.IsZero())
		require.NotNil(t, state.PrimaryRevenueScheduleID)
		assert.Equal(t, snowflake.ID(7), *state.PrimaryRevenueScheduleID)
	})

	t.Run("within_epsilon_counts_as_matched", func(t *testing.T) {
		state := DeriveLineState(line, []domain.DepositLineMatch{applied(1, 7, "99.996", "10")}, Epsilon)
		assert.Equal(t, domain.LineStatusMatched, state.Status)
	})

	t.Run("partial_and_primary_by_weight", func(t *testing.T) {
		state := DeriveLineState(line, []domain.DepositLineMatch{
			applied(1, 9, "20", "2"),
			applied(1, 8, "40", "4"),
			applied(2, 5, "100", "10"),
			{LineItemID: 1, RevenueScheduleID: 4, Status: domain.MatchStatusSuggested, UsageAmount: d("40"), CommissionAmount: d("4")},
		}, Epsilon)
		assert.Equal(t, domain.LineStatusPartiallyMatched, state.Status)
		assert.True(t, state.UsageAllocated.Equal(d("60")))
		assert.True(t, state.UsageUnallocated.Equal(d("40")))
		require.NotNil(t, state.PrimaryRevenueScheduleID)
		assert.Equal(t, snowflake.ID(8), *state.PrimaryRevenueScheduleID)
	})

	t.Run("primary_tie_breaks_on_lower_id", func(t *testing.T) {
		state := DeriveLineState(line, []domain.DepositLineMatch{
			applied(1, 12, "50", "5"),
			applied(1, 11, "50", "5"),
		}, Epsilon)
		require.NotNil(t, state.PrimaryRevenueScheduleID)
		assert.Equal(t, snowflake.ID(11), *state.PrimaryRevenueScheduleID)
	})

	t.Run("ignored_reports_zero_allocation", func(t *testing.T) {
		ignored := line
		ignored.Status = domain.LineStatusIgnored
		state := DeriveLineState(ignored, []domain.DepositLineMatch{applied(1, 7, "100", "10")}, Epsilon)
		assert.Equal(t, domain.LineStatusIgnored, state.Status)
		assert.True(t, state.UsageAllocated.IsZero())
	})

	t.Run("negative_line_unmatched", func(t *testing.T) {
		chargeback := domain.DepositLineItem{ID: 3, Usage: d("-50"), Commission: d("-5")}
		state := DeriveLineState(chargeback, nil, Epsilon)
		assert.Equal(t, domain.LineStatusUnmatched, state.Status)
		assert.True(t, state.UsageUnallocated.Equal(d("-50")))
	})
}

// Random allocations must always conserve the raw amount and agree with the
// status rule.
func TestDeriveLineStateConservationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		raw := decimal.NewFromInt(int64(rng.Intn(10000))).Div(decimal.NewFromInt(100))
		line := domain.DepositLineItem{ID: 1, Usage: raw, Commission: raw.Div(decimal.NewFromInt(10)).Round(2)}

		var matches []domain.DepositLineMatch
		remaining := raw
		for j := 0; j < rng.Intn(4); j++ {
			part := remaining.Mul(decimal.NewFromFloat(rng.Float64())).Round(2)
			remaining = remaining.Sub(part)
			matches = append(matches, applied(1, snowflake.ID(j+1), part.String(), "0"))
		}

		state := DeriveLineState(line, matches, Epsilon)
		total := decimal.Zero
		for _, m := range matches {
			total = total.Add(m.UsageAmount)
		}

		assert.True(t, state.UsageAllocated.Equal(total))
		assert.True(t, Equal(state.UsageAllocated.Add(state.UsageUnallocated), line.Usage, Epsilon))

		bothZero := IsZero(state.UsageUnallocated, Epsilon) && IsZero(state.CommissionUnallocated, Epsilon)
		assert.Equal(t, bothZero, state.Status == domain.LineStatusMatched)
		if state.Status == domain.LineStatusPartiallyMatched {
			assert.False(t, IsZero(state.UsageAllocated, Epsilon) && IsZero(state.CommissionAllocated, Epsilon))
		}
	}
}

func TestDeriveScheduleState(t *testing.T) {
	schedule := domain.RevenueSchedule{ID: 7, ExpectedUsage: d("100"), ExpectedCommission: d("10")}
	tol := d("0.05")

	cases := []struct {
		name    string
		matches []domain.DepositLineMatch
		want    domain.ScheduleStatus
	}{
		{name: "open", want: domain.ScheduleStatusOpen},
		{name: "reconciled", matches: []domain.DepositLineMatch{applied(1, 7, "100", "10")}, want: domain.ScheduleStatusReconciled},
		{name: "within_tolerance", matches: []domain.DepositLineMatch{applied(1, 7, "97", "9.8")}, want: domain.ScheduleStatusReconciled},
		{name: "underpaid", matches: []domain.DepositLineMatch{applied(1, 7, "60", "6")}, want: domain.ScheduleStatusUnderpaid},
		{name: "overpaid", matches: []domain.DepositLineMatch{applied(1, 7, "60", "6"), applied(2, 7, "60", "6")}, want: domain.ScheduleStatusOverpaid},
		{name: "commission_only_variance", matches: []domain.DepositLineMatch{applied(1, 7, "100", "20")}, want: domain.ScheduleStatusOverpaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := DeriveScheduleState(schedule, tc.matches, tol, Epsilon)
			assert.Equal(t, tc.want, state.Status)
		})
	}
}

func TestDeriveDepositState(t *testing.T) {
	lines := []domain.DepositLineItem{
		{ID: 1, Usage: d("100"), Commission: d("10"), UsageAllocated: d("100"), CommissionAllocated: d("10"), Status: domain.LineStatusMatched},
		{ID: 2, Usage: d("50"), Commission: d("5"), UsageUnallocated: d("50"), CommissionUnallocated: d("5"), Status: domain.LineStatusUnmatched},
	}

	state := DeriveDepositState(domain.Deposit{}, lines, 1)
	assert.Equal(t, domain.DepositStatusInReview, state.Status)
	assert.Equal(t, 2, state.TotalItems)
	assert.Equal(t, 1, state.MatchedItems)
	assert.Equal(t, 2, state.UnreconciledItems)
	assert.True(t, state.TotalUsage.Equal(d("150")))
	assert.True(t, state.UsageUnallocated.Equal(d("50")))

	lines[1].Status = domain.LineStatusIgnored
	state = DeriveDepositState(domain.Deposit{}, lines, 1)
	assert.Equal(t, domain.DepositStatusCompleted, state.Status)
	assert.Equal(t, 1, state.IgnoredItems)

	pending := DeriveDepositState(domain.Deposit{}, []domain.DepositLineItem{{ID: 3, Usage: d("1"), Status: domain.LineStatusUnmatched}}, 0)
	assert.Equal(t, domain.DepositStatusPending, pending.Status)

	empty := DeriveDepositState(domain.Deposit{}, nil, 0)
	assert.Equal(t, domain.DepositStatusPending, empty.Status)
}
