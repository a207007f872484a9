// Package matching generates ranked revenue schedule candidates for a
// deposit line.
package matching

import (
	"context"

	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

type (
	ConfidenceLevel = domain.ConfidenceLevel
	Candidate       = domain.Candidate
)

const (
	ConfidenceHigh   = domain.ConfidenceHigh
	ConfidenceMedium = domain.ConfidenceMedium
	ConfidenceLow    = domain.ConfidenceLow
)

// ScheduleFinder loads candidate schedules from storage.
type ScheduleFinder interface {
	FindCandidateSchedules(ctx context.Context, q domain.ScheduleQuery) ([]domain.RevenueSchedule, error)
}
