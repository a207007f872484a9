package matching

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/allocation"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

var (
	WeightName    = decimal.RequireFromString("0.30")
	WeightProduct = decimal.RequireFromString("0.20")
	WeightDate    = decimal.RequireFromString("0.20")
	WeightAmount  = decimal.RequireFromString("0.30")

	highThreshold   = decimal.RequireFromString("0.90")
	mediumThreshold = decimal.RequireFromString("0.70")
	capMargin       = decimal.RequireFromString("0.01")
)

// Score rates how well a schedule fits a line. The result is a weighted sum
// of name similarity, product match, date proximity and amount variance.
func Score(line domain.DepositLineItem, schedule domain.RevenueSchedule, tier string, settings domain.Settings) Candidate {
	eps := settings.AllocationEpsilon
	lineUsage := allocation.Remainder(line.Usage, line.UsageAllocated)
	lineCommission := allocation.Remainder(line.Commission, line.CommissionAllocated)
	outUsage, outCommission := allocation.Outstanding(schedule)

	c := Candidate{
		Schedule:           schedule,
		Tier:               tier,
		ExpectedUsage:      schedule.ExpectedUsage,
		ActualUsage:        schedule.ActualUsage,
		UsageDelta:         lineUsage.Sub(outUsage),
		ExpectedCommission: schedule.ExpectedCommission,
		ActualCommission:   schedule.ActualCommission,
		CommissionDelta:    lineCommission.Sub(outCommission),
	}

	name := nameSimilarity(line.AccountName, schedule.AccountName)
	c.Reasons = append(c.Reasons, fmt.Sprintf("account name similarity %.0f%%", name*100))

	product := productScore(line.ProductName, schedule.ProductName)
	switch {
	case product == 1:
		c.Reasons = append(c.Reasons, "product matches")
	case product > 0:
		c.Reasons = append(c.Reasons, "product partially matches")
	}

	date := dateScore(line.PaymentDate, schedule.ScheduleDate, settings.DateWindowDays)
	if line.PaymentDate != nil {
		days := math.Abs(line.PaymentDate.Sub(schedule.ScheduleDate).Hours() / 24)
		c.Reasons = append(c.Reasons, fmt.Sprintf("schedule date %.0f days from payment", days))
	}

	actual, expected := lineUsage, outUsage
	if allocation.IsZero(expected, eps) && allocation.IsZero(actual, eps) {
		actual, expected = lineCommission, outCommission
	}
	variance := allocation.Variance(actual, expected, eps)
	amount := decimal.Max(decimal.NewFromInt(1).Sub(variance), decimal.Zero)
	c.WithinTolerance = allocation.WithinTolerance(actual, expected, settings.VarianceTolerance, eps)
	if c.WithinTolerance {
		c.Reasons = append(c.Reasons, "amount within tolerance")
	} else {
		c.Reasons = append(c.Reasons, fmt.Sprintf("amount variance %s%%", variance.Mul(decimal.NewFromInt(100)).Round(1)))
	}

	confidence := WeightName.Mul(decimal.NewFromFloat(name)).
		Add(WeightProduct.Mul(decimal.NewFromFloat(product))).
		Add(WeightDate.Mul(decimal.NewFromFloat(date))).
		Add(WeightAmount.Mul(amount))

	if !c.WithinTolerance {
		ceiling := settings.AutoMatchThreshold.Sub(capMargin)
		if confidence.GreaterThan(ceiling) {
			confidence = ceiling
		}
	}
	confidence = decimal.Min(decimal.Max(confidence, decimal.Zero), decimal.NewFromInt(1)).Round(4)

	c.Confidence = confidence
	c.Level = LevelFor(confidence)
	return c
}

func LevelFor(confidence decimal.Decimal) ConfidenceLevel {
	switch {
	case confidence.GreaterThanOrEqual(highThreshold):
		return ConfidenceHigh
	case confidence.GreaterThanOrEqual(mediumThreshold):
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// normalizeName lowercases and keeps letters, digits and single spaces.
func normalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case !space && b.Len() > 0:
			b.WriteRune(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func nameSimilarity(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	distance := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	ratio := 1 - float64(distance)/float64(longest)
	if ratio < 0 {
		return 0
	}
	return ratio
}

func productScore(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	switch {
	case a == "" || b == "":
		return 0
	case a == b:
		return 1
	case strings.Contains(a, b) || strings.Contains(b, a):
		return 0.5
	default:
		return 0
	}
}

// dateScore decays linearly to zero at three times the date window. Lines
// without a payment date get a neutral half score.
func dateScore(paymentDate *time.Time, scheduleDate time.Time, windowDays int) float64 {
	if paymentDate == nil {
		return 0.5
	}
	if windowDays <= 0 {
		windowDays = 1
	}
	days := math.Abs(paymentDate.Sub(scheduleDate).Hours() / 24)
	span := float64(windowDays * widenFactor)
	score := 1 - days/span
	if score < 0 {
		return 0
	}
	return score
}
