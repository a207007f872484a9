// Package selection classifies a proposed match selection and previews the
// allocation splits it would produce.
package selection

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

// Classify returns the cardinality of a selection. Duplicate IDs are
// collapsed before counting.
func Classify(lineIDs, scheduleIDs []snowflake.ID) (domain.MatchType, error) {
	lines := Dedupe(lineIDs)
	schedules := Dedupe(scheduleIDs)
	if len(lines) == 0 || len(schedules) == 0 {
		return "", domain.ErrEmptySelection
	}

	switch {
	case len(lines) == 1 && len(schedules) == 1:
		return domain.MatchTypeOneToOne, nil
	case len(lines) == 1:
		return domain.MatchTypeOneToMany, nil
	case len(schedules) == 1:
		return domain.MatchTypeManyToOne, nil
	default:
		return domain.MatchTypeManyToMany, nil
	}
}

// Dedupe drops zero and repeated IDs, keeping first-seen order.
func Dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
