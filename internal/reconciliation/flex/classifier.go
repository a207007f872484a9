// Package flex decides when a schedule needs flex review.
package flex

import (
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

// Decision is the classification a schedule should carry after recompute.
type Decision struct {
	Classification domain.FlexClassification
	Reason         *string
}

// Review reports whether the decision needs a flex review item.
func (d Decision) Review() bool {
	return d.Classification != "" && d.Classification != domain.FlexClassificationNone
}

// Classifier maps a recomputed schedule to its flex classification. parent
// is the schedule's parent, nil when it has none.
type Classifier interface {
	Classify(schedule domain.RevenueSchedule, parent *domain.RevenueSchedule) Decision
}

type DefaultClassifier struct{}

func NewClassifier() Classifier {
	return DefaultClassifier{}
}

// Classify expects schedule to carry its freshly derived actuals and status.
func (DefaultClassifier) Classify(schedule domain.RevenueSchedule, parent *domain.RevenueSchedule) Decision {
	if schedule.IsFlexCreated() {
		return Decision{Classification: schedule.FlexClassification, Reason: schedule.FlexReasonCode}
	}

	switch {
	case schedule.ActualUsage.IsNegative() || schedule.ActualCommission.IsNegative():
		return decision(domain.FlexClassificationFlexChargeback, domain.FlexReasonNegativeUsage)
	case parent != nil && parent.FlexClassification == domain.FlexClassificationFlexChargeback &&
		(schedule.ActualUsage.IsPositive() || schedule.ActualCommission.IsPositive()):
		return decision(domain.FlexClassificationFlexChargebackReversal, domain.FlexReasonChargebackReversal)
	case schedule.Status == domain.ScheduleStatusOverpaid:
		return decision(domain.FlexClassificationFlexProduct, domain.FlexReasonUsageExceedsExpected)
	}
	return Decision{Classification: domain.FlexClassificationNone}
}

func decision(c domain.FlexClassification, reason string) Decision {
	return Decision{Classification: c, Reason: &reason}
}
