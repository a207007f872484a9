package matching

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

const (
	TierExactWindow    = "exact_account_product_window"
	TierAccountProduct = "account_product_wide_window"
	TierAccount        = "account_wide_window"
	TierFuzzyPrefix    = "fuzzy_account_prefix"
	TierLegacy         = "legacy_account"

	// searchLimit bounds how many schedules a single tier may load.
	searchLimit = 200
	// widenFactor multiplies the date window for the looser tiers.
	widenFactor = 3
	// prefixLength is the number of normalized characters used by the
	// fuzzy prefix tier.
	prefixLength = 4
)

// SearchInput is what a strategy needs to look up schedules for a line.
type SearchInput struct {
	Line     domain.DepositLineItem
	Settings domain.Settings
	Now      time.Time
}

// Strategy finds the schedules a line may be matched against and names the
// tier that produced them.
type Strategy interface {
	Mode() domain.EngineMode
	Search(ctx context.Context, finder ScheduleFinder, in SearchInput) (string, []domain.RevenueSchedule, error)
}

// StrategyFor returns the search strategy for an engine mode.
func StrategyFor(mode domain.EngineMode) (Strategy, error) {
	switch mode {
	case domain.EngineModeLegacy:
		return legacyStrategy{}, nil
	case domain.EngineModeHierarchical, "":
		return hierarchicalStrategy{}, nil
	default:
		return nil, domain.Validation(domain.ErrInvalidSettings.Code, "engine_mode %q is not supported", mode)
	}
}

type legacyStrategy struct{}

func (legacyStrategy) Mode() domain.EngineMode { return domain.EngineModeLegacy }

func (legacyStrategy) Search(ctx context.Context, finder ScheduleFinder, in SearchInput) (string, []domain.RevenueSchedule, error) {
	q := baseQuery(in, 1)
	q.AccountName = strings.TrimSpace(in.Line.AccountName)
	schedules, err := search(ctx, finder, q, in)
	if err != nil {
		return "", nil, err
	}
	return TierLegacy, schedules, nil
}

type hierarchicalStrategy struct{}

func (hierarchicalStrategy) Mode() domain.EngineMode { return domain.EngineModeHierarchical }

func (hierarchicalStrategy) Search(ctx context.Context, finder ScheduleFinder, in SearchInput) (string, []domain.RevenueSchedule, error) {
	account := strings.TrimSpace(in.Line.AccountName)
	product := strings.TrimSpace(in.Line.ProductName)

	type tier struct {
		name  string
		query domain.ScheduleQuery
		skip  bool
	}

	exact := baseQuery(in, 1)
	exact.AccountName = account
	exact.ProductName = product

	wideProduct := baseQuery(in, widenFactor)
	wideProduct.AccountName = account
	wideProduct.ProductName = product

	wideAccount := baseQuery(in, widenFactor)
	wideAccount.AccountName = account

	prefix := normalizeName(account)
	if len([]rune(prefix)) > prefixLength {
		prefix = string([]rune(prefix)[:prefixLength])
	}
	fuzzy := baseQuery(in, widenFactor)
	fuzzy.AccountPrefix = prefix

	tiers := []tier{
		{name: TierExactWindow, query: exact, skip: account == "" || product == ""},
		{name: TierAccountProduct, query: wideProduct, skip: account == "" || product == ""},
		{name: TierAccount, query: wideAccount, skip: account == ""},
		{name: TierFuzzyPrefix, query: fuzzy, skip: prefix == ""},
	}

	for _, t := range tiers {
		if t.skip {
			continue
		}
		schedules, err := search(ctx, finder, t.query, in)
		if err != nil {
			return "", nil, fmt.Errorf("tier %s: %w", t.name, err)
		}
		if len(schedules) > 0 {
			return t.name, schedules, nil
		}
	}
	return "", nil, nil
}

// baseQuery builds the tenant and date-window part of a query. The window is
// centred on the line's payment date; without one, only the future cutoff
// applies.
func baseQuery(in SearchInput, factor int) domain.ScheduleQuery {
	q := domain.ScheduleQuery{TenantID: in.Line.TenantID, Limit: searchLimit}
	window := time.Duration(in.Settings.DateWindowDays*factor) * 24 * time.Hour

	if in.Line.PaymentDate != nil && window > 0 {
		from := in.Line.PaymentDate.Add(-window)
		q.From = &from
		if !in.Settings.IncludeFutureSchedules {
			to := in.Line.PaymentDate.Add(window)
			q.To = &to
		}
		return q
	}
	if !in.Settings.IncludeFutureSchedules {
		to := in.Now
		q.To = &to
	}
	return q
}

func search(ctx context.Context, finder ScheduleFinder, q domain.ScheduleQuery, in SearchInput) ([]domain.RevenueSchedule, error) {
	schedules, err := finder.FindCandidateSchedules(ctx, q)
	if err != nil {
		return nil, err
	}
	out := schedules[:0]
	for _, s := range schedules {
		if eligible(s, q, in) {
			out = append(out, s)
		}
	}
	return out, nil
}

// eligible repeats the finder's exclusions so strategies never depend on a
// particular storage implementation for correctness.
func eligible(s domain.RevenueSchedule, q domain.ScheduleQuery, in SearchInput) bool {
	if s.TenantID != in.Line.TenantID {
		return false
	}
	if s.DeletedAt != nil || s.IsFlexCreated() || s.Status == domain.ScheduleStatusReconciled {
		return false
	}
	if q.To != nil && s.ScheduleDate.After(*q.To) {
		return false
	}
	if q.From != nil && s.ScheduleDate.Before(*q.From) {
		return false
	}
	return true
}
