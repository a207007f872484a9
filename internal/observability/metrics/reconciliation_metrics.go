package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MatchGroupApplied = "applied"
	MatchGroupUndone  = "undone"
)

// ReconciliationMetrics counts matching and review activity.
type ReconciliationMetrics struct {
	matchGroups        *prometheus.CounterVec
	depositTransitions *prometheus.CounterVec
	flexItems          *prometheus.CounterVec
	candidateLatency   *prometheus.HistogramVec
	candidatesReturned *prometheus.HistogramVec
}

var (
	reconciliationMetricsOnce sync.Once
	reconciliationMetrics     *ReconciliationMetrics
)

// Reconciliation returns the process-wide instance registered on the
// default registry.
func Reconciliation() *ReconciliationMetrics {
	reconciliationMetricsOnce.Do(func() {
		reconciliationMetrics = NewReconciliationMetrics(prometheus.DefaultRegisterer)
	})
	return reconciliationMetrics
}

func NewReconciliationMetrics(registerer prometheus.Registerer) *ReconciliationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	matchGroups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositrecon_match_groups_total",
		Help: "Match groups applied or undone, by match type.",
	}, []string{"action", "match_type"})
	depositTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositrecon_deposit_transitions_total",
		Help: "Deposit status transitions.",
	}, []string{"from", "to"})
	flexItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositrecon_flex_items_total",
		Help: "Flex review item transitions by classification and resulting status.",
	}, []string{"classification", "status"})
	candidateLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depositrecon_candidate_generation_seconds",
		Help:    "Candidate generation latency by engine mode.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"engine_mode"})
	candidatesReturned := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "depositrecon_candidates_returned",
		Help:    "Number of candidates returned per request.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	}, []string{"engine_mode"})

	registerer.MustRegister(matchGroups, depositTransitions, flexItems, candidateLatency, candidatesReturned)

	return &ReconciliationMetrics{
		matchGroups:        matchGroups,
		depositTransitions: depositTransitions,
		flexItems:          flexItems,
		candidateLatency:   candidateLatency,
		candidatesReturned: candidatesReturned,
	}
}

func (m *ReconciliationMetrics) IncMatchGroup(action, matchType string) {
	if m == nil {
		return
	}
	m.matchGroups.WithLabelValues(action, matchType).Inc()
}

func (m *ReconciliationMetrics) IncDepositTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.depositTransitions.WithLabelValues(from, to).Inc()
}

func (m *ReconciliationMetrics) IncFlexItem(classification, status string) {
	if m == nil {
		return
	}
	m.flexItems.WithLabelValues(classification, status).Inc()
}

// ObserveCandidates records one candidate generation call.
func (m *ReconciliationMetrics) ObserveCandidates(mode string, duration time.Duration, returned int) {
	if m == nil {
		return
	}
	m.candidateLatency.WithLabelValues(mode).Observe(duration.Seconds())
	m.candidatesReturned.WithLabelValues(mode).Observe(float64(returned))
}
