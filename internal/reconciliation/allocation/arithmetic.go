// Package allocation holds the pure arithmetic and derivation rules for line,
// schedule and deposit state. Nothing in here touches storage.
package allocation

import "github.com/shopspring/decimal"

// DefaultEpsilon is the tolerance within which two allocation amounts are
// considered equal. Tenants may override it through their settings.
const DefaultEpsilon = 0.005

// MoneyPlaces is the number of decimal places amounts are rounded to.
const MoneyPlaces = 2

var Epsilon = decimal.NewFromFloat(DefaultEpsilon)

func epsilonOr(eps decimal.Decimal) decimal.Decimal {
	if eps.IsPositive() {
		return eps
	}
	return Epsilon
}

// IsZero reports whether v is within eps of zero.
func IsZero(v, eps decimal.Decimal) bool {
	return v.Abs().LessThan(epsilonOr(eps))
}

// Equal reports whether a and b differ by less than eps.
func Equal(a, b, eps decimal.Decimal) bool {
	return IsZero(a.Sub(b), eps)
}

// LessOrEqual reports a <= b, tolerating an overshoot smaller than eps.
func LessOrEqual(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).LessThan(epsilonOr(eps))
}

// Round rounds to money precision.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyPlaces)
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Remainder returns raw-allocated clamped toward zero in the direction of
// raw's sign: max(raw-allocated, 0) for non-negative raw amounts and
// min(raw-allocated, 0) for negative ones.
func Remainder(raw, allocated decimal.Decimal) decimal.Decimal {
	rem := raw.Sub(allocated)
	if raw.IsNegative() {
		return decimal.Min(rem, decimal.Zero)
	}
	return decimal.Max(rem, decimal.Zero)
}

// Fits reports whether amount can be taken from remainder: it points the
// same way and does not exceed it by eps or more. A zero amount always fits.
func Fits(amount, remainder, eps decimal.Decimal) bool {
	if IsZero(amount, eps) {
		return true
	}
	if !remainder.IsZero() && amount.Sign() != remainder.Sign() {
		return false
	}
	return LessOrEqual(amount.Abs(), remainder.Abs(), eps)
}

// Variance is the fractional deviation of actual from expected. An expected
// amount of zero yields 0 when actual is also zero and 1 otherwise.
func Variance(actual, expected, eps decimal.Decimal) decimal.Decimal {
	if IsZero(expected, eps) {
		if IsZero(actual, eps) {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return actual.Sub(expected).Abs().Div(expected.Abs())
}

// WithinTolerance reports whether actual deviates from expected by at most
// tolerance (a fraction, 0.05 == 5%).
func WithinTolerance(actual, expected, tolerance, eps decimal.Decimal) bool {
	if Equal(actual, expected, eps) {
		return true
	}
	return Variance(actual, expected, eps).LessThanOrEqual(tolerance)
}

// Weight is |usage|+|commission|, used to rank allocations.
func Weight(usage, commission decimal.Decimal) decimal.Decimal {
	return usage.Abs().Add(commission.Abs())
}

// Split divides total proportionally to weights, rounding each share to
// money precision and assigning the rounding residue to the last share.
// When all weights are zero the total is split equally.
func Split(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	if len(weights) == 0 {
		return nil
	}
	shares := make([]decimal.Decimal, len(weights))
	sumWeights := decimal.Zero
	for _, w := range weights {
		sumWeights = sumWeights.Add(w.Abs())
	}

	assigned := decimal.Zero
	n := decimal.NewFromInt(int64(len(weights)))
	for i, w := range weights {
		if i == len(weights)-1 {
			shares[i] = total.Sub(assigned)
			break
		}
		var share decimal.Decimal
		if sumWeights.IsZero() {
			share = Round(total.Div(n))
		} else {
			share = Round(total.Mul(w.Abs()).Div(sumWeights))
		}
		shares[i] = share
		assigned = assigned.Add(share)
	}
	return shares
}
