package matching

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

// Generate scores the schedules a strategy finds for line and returns them
// best first, truncated to the settings' candidate limit. Lines that already
// carry applied allocation get no candidates.
func Generate(ctx context.Context, finder ScheduleFinder, strategy Strategy, line domain.DepositLineItem, settings domain.Settings, now time.Time) ([]Candidate, error) {
	switch line.Status {
	case domain.LineStatusMatched, domain.LineStatusPartiallyMatched, domain.LineStatusIgnored:
		return []Candidate{}, nil
	}
	if line.Reconciled {
		return []Candidate{}, nil
	}

	tier, schedules, err := strategy.Search(ctx, finder, SearchInput{Line: line, Settings: settings, Now: now})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(schedules))
	for _, s := range schedules {
		candidates = append(candidates, Score(line, s, tier, settings))
	}
	Rank(candidates, line)

	if settings.CandidateLimit > 0 && len(candidates) > settings.CandidateLimit {
		candidates = candidates[:settings.CandidateLimit]
	}
	return candidates, nil
}

// Rank orders candidates by confidence, then by schedule date distance from
// the line's payment date, then by schedule ID.
func Rank(candidates []Candidate, line domain.DepositLineItem) {
	distance := func(c Candidate) float64 {
		if line.PaymentDate == nil {
			return 0
		}
		return math.Abs(line.PaymentDate.Sub(c.Schedule.ScheduleDate).Hours())
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Confidence.Equal(b.Confidence) {
			return a.Confidence.GreaterThan(b.Confidence)
		}
		da, db := distance(a), distance(b)
		if da != db {
			return da < db
		}
		return a.Schedule.ID < b.Schedule.ID
	})
}
