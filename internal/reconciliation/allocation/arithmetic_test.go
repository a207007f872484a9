package allocation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestIsZeroUsesEpsilon(t *testing.T) {
	assert.True(t, IsZero(d("0.004"), Epsilon))
	assert.True(t, IsZero(d("-0.004"), Epsilon))
	assert.False(t, IsZero(d("0.005"), Epsilon))
	assert.False(t, IsZero(d("0.01"), Epsilon))
	// a non-positive override falls back to the default
	assert.True(t, IsZero(d("0.001"), decimal.Zero))
}

func TestRemainderClampsTowardZero(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		allocated string
		want      string
	}{
		{name: "positive_partial", raw: "100", allocated: "60", want: "40"},
		{name: "positive_over", raw: "100", allocated: "120", want: "0"},
		{name: "negative_partial", raw: "-50", allocated: "-20", want: "-30"},
		{name: "negative_over", raw: "-50", allocated: "-70", want: "0"},
		{name: "negative_unallocated", raw: "-50", allocated: "0", want: "-50"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Remainder(d(tc.raw), d(tc.allocated))
			assert.True(t, got.Equal(d(tc.want)), "got %s", got)
		})
	}
}

func TestWithinTolerance(t *testing.T) {
	tol := d("0.05")
	assert.True(t, WithinTolerance(d("100"), d("100"), tol, Epsilon))
	assert.True(t, WithinTolerance(d("104.99"), d("100"), tol, Epsilon))
	assert.True(t, WithinTolerance(d("95"), d("100"), tol, Epsilon))
	assert.False(t, WithinTolerance(d("94"), d("100"), tol, Epsilon))
	assert.False(t, WithinTolerance(d("10"), d("0"), tol, Epsilon))
	assert.True(t, WithinTolerance(d("0.001"), d("0"), tol, Epsilon))
}

func TestSplitAssignsResidueToLastShare(t *testing.T) {
	shares := Split(d("100"), []decimal.Decimal{d("1"), d("1"), d("1")})
	assert.Len(t, shares, 3)
	assert.True(t, shares[0].Equal(d("33.33")))
	assert.True(t, shares[1].Equal(d("33.33")))
	assert.True(t, shares[2].Equal(d("33.34")))
	assert.True(t, Sum(shares...).Equal(d("100")))
}

func TestSplitProportionalAndEqualFallback(t *testing.T) {
	shares := Split(d("100"), []decimal.Decimal{d("60"), d("40")})
	assert.True(t, shares[0].Equal(d("60")))
	assert.True(t, shares[1].Equal(d("40")))

	equal := Split(d("10"), []decimal.Decimal{decimal.Zero, decimal.Zero})
	assert.True(t, equal[0].Equal(d("5")))
	assert.True(t, equal[1].Equal(d("5")))

	assert.Nil(t, Split(d("10"), nil))
}
