package flex

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier(t *testing.T) {
	c := NewClassifier()
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	t.Run("negative actual is a chargeback", func(t *testing.T) {
		got := c.Classify(domain.RevenueSchedule{ActualUsage: d("-50"), Status: domain.ScheduleStatusUnderpaid}, nil)
		assert.Equal(t, domain.FlexClassificationFlexChargeback, got.Classification)
		assert.Equal(t, domain.FlexReasonNegativeUsage, *got.Reason)
		assert.True(t, got.Review())
	})

	t.Run("positive actual under chargeback parent is a reversal", func(t *testing.T) {
		parent := &domain.RevenueSchedule{FlexClassification: domain.FlexClassificationFlexChargeback}
		got := c.Classify(domain.RevenueSchedule{ActualUsage: d("50"), Status: domain.ScheduleStatusReconciled}, parent)
		assert.Equal(t, domain.FlexClassificationFlexChargebackReversal, got.Classification)
		assert.Equal(t, domain.FlexReasonChargebackReversal, *got.Reason)
	})

	t.Run("overpaid is a flex product", func(t *testing.T) {
		got := c.Classify(domain.RevenueSchedule{ActualUsage: d("150"), ExpectedUsage: d("100"), Status: domain.ScheduleStatusOverpaid}, nil)
		assert.Equal(t, domain.FlexClassificationFlexProduct, got.Classification)
		assert.Equal(t, domain.FlexReasonUsageExceedsExpected, *got.Reason)
	})

	t.Run("reconciled is none", func(t *testing.T) {
		got := c.Classify(domain.RevenueSchedule{ActualUsage: d("100"), ExpectedUsage: d("100"), Status: domain.ScheduleStatusReconciled}, nil)
		assert.Equal(t, domain.FlexClassificationNone, got.Classification)
		assert.Nil(t, got.Reason)
		assert.False(t, got.Review())
	})

	t.Run("flex created keeps classification", func(t *testing.T) {
		line := snowflake.ID(9)
		reason := domain.FlexReasonNegativeUsage
		got := c.Classify(domain.RevenueSchedule{
			FlexSourceLineID:   &line,
			FlexClassification: domain.FlexClassificationFlexChargeback,
			FlexReasonCode:     &reason,
			Status:             domain.ScheduleStatusOpen,
		}, nil)
		assert.Equal(t, domain.FlexClassificationFlexChargeback, got.Classification)
		assert.Equal(t, reason, *got.Reason)
	})
}
