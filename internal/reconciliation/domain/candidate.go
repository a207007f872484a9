package domain

import "github.com/shopspring/decimal"

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// Candidate is one scored schedule for a line.
type Candidate struct {
	Schedule           RevenueSchedule `json:"schedule"`
	Confidence         decimal.Decimal `json:"confidence"`
	Level              ConfidenceLevel `json:"confidence_level"`
	Reasons            []string        `json:"reasons"`
	Tier               string          `json:"tier"`
	ExpectedUsage      decimal.Decimal `json:"expected_usage"`
	ActualUsage        decimal.Decimal `json:"actual_usage"`
	UsageDelta         decimal.Decimal `json:"usage_delta"`
	ExpectedCommission decimal.Decimal `json:"expected_commission"`
	ActualCommission   decimal.Decimal `json:"actual_commission"`
	CommissionDelta    decimal.Decimal `json:"commission_delta"`
	WithinTolerance    bool            `json:"within_tolerance"`
}
