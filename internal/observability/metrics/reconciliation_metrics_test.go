package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReconciliationMetrics(t *testing.T) {
	m := NewReconciliationMetrics(prometheus.NewRegistry())

	m.IncMatchGroup(MatchGroupApplied, "ONE_TO_ONE")
	m.IncMatchGroup(MatchGroupApplied, "ONE_TO_ONE")
	m.IncMatchGroup(MatchGroupUndone, "ONE_TO_ONE")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.matchGroups.WithLabelValues(MatchGroupApplied, "ONE_TO_ONE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matchGroups.WithLabelValues(MatchGroupUndone, "ONE_TO_ONE")))

	t.Run("same-status transition is not counted", func(t *testing.T) {
		m.IncDepositTransition("IN_REVIEW", "IN_REVIEW")
		m.IncDepositTransition("IN_REVIEW", "COMPLETED")
		assert.Equal(t, 1, testutil.CollectAndCount(m.depositTransitions))
	})

	t.Run("candidate observations", func(t *testing.T) {
		m.ObserveCandidates("hierarchical", 3*time.Millisecond, 4)
		assert.Equal(t, 1, testutil.CollectAndCount(m.candidateLatency))
	})

	t.Run("nil receiver is safe", func(t *testing.T) {
		var nilMetrics *ReconciliationMetrics
		assert.NotPanics(t, func() {
			nilMetrics.IncFlexItem("FLEX_PRODUCT", "OPEN")
			nilMetrics.ObserveCandidates("legacy", time.Second, 0)
		})
	})
}
