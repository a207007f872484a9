package domain

import recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"

// Policy lists what a reviewer may do with an item of one classification.
type Policy struct {
	// Approve applies the pending suggested match.
	Approve bool
	// Resolve closes the item without touching matches.
	Resolve bool
}

// PolicyFor returns the resolution rules for a classification. Chargebacks
// and their reversals move money, so they are settled by approving the
// suggested match; everything else is closed by a reviewer decision.
func PolicyFor(c recdomain.FlexClassification) Policy {
	if c.IsChargeback() {
		return Policy{Approve: true}
	}
	return Policy{Resolve: true}
}
