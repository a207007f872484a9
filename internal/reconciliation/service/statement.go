package service

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/providers/pdf"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

const (
	statementDateLayout = "2006-01-02"
	statementTimeLayout = "2006-01-02 15:04 MST"
)

// Statement renders the reconciliation statement of a deposit as PDF.
func (s *Service) Statement(ctx context.Context, depositID snowflake.ID) (domain.Statement, error) {
	tenantID, ok := tenantFromContext(ctx)
	if !ok {
		return domain.Statement{}, domain.ErrInvalidTenant
	}

	deposit, err := s.repo.GetDeposit(ctx, s.db, tenantID, depositID)
	if err != nil {
		return domain.Statement{}, fmt.Errorf("load deposit: %w", err)
	}
	if deposit == nil {
		return domain.Statement{}, domain.ErrDepositNotFound
	}
	lines, err := s.repo.ListLinesByDeposit(ctx, s.db, tenantID, depositID)
	if err != nil {
		return domain.Statement{}, fmt.Errorf("list deposit lines: %w", err)
	}

	reader, err := s.pdf.GenerateDepositStatement(ctx, statementData(*deposit, lines, s.clock.Now().UTC().Format(statementTimeLayout)))
	if err != nil {
		return domain.Statement{}, fmt.Errorf("render statement: %w", err)
	}
	var body []byte
	if reader != nil {
		body, err = io.ReadAll(reader)
		if err != nil {
			return domain.Statement{}, fmt.Errorf("read statement: %w", err)
		}
	}

	name := slug.Make(deposit.Name)
	if name == "" {
		name = deposit.ID.String()
	}
	return domain.Statement{
		FileName:    name + "-statement.pdf",
		ContentType: "application/pdf",
		Body:        body,
	}, nil
}

func statementData(deposit domain.Deposit, lines []domain.DepositLineItem, generatedAt string) pdf.StatementData {
	data := pdf.StatementData{
		DepositName:           deposit.Name,
		PayerName:             deposit.PayerName,
		Period:                period(deposit),
		Status:                string(deposit.Status),
		Reconciled:            "no",
		GeneratedAt:           generatedAt,
		TotalUsage:            money(deposit.TotalUsage),
		TotalCommission:       money(deposit.TotalCommission),
		UsageAllocated:        money(deposit.UsageAllocated),
		UsageUnallocated:      money(deposit.UsageUnallocated),
		CommissionAllocated:   money(deposit.CommissionAllocated),
		CommissionUnallocated: money(deposit.CommissionUnallocated),
		ItemCounts: fmt.Sprintf("%d items, %d matched, %d ignored, %d open",
			deposit.TotalItems, deposit.MatchedItems, deposit.IgnoredItems, deposit.UnreconciledItems),
	}
	if deposit.Reconciled && deposit.ReconciledAt != nil {
		data.Reconciled = deposit.ReconciledAt.UTC().Format(statementDateLayout)
	}
	if deposit.ActualReceivedAmount != nil {
		data.ReceivedInfo = "Received " + money(*deposit.ActualReceivedAmount)
		if deposit.ReceivedDate != nil {
			data.ReceivedInfo += " on " + deposit.ReceivedDate.UTC().Format(statementDateLayout)
		}
		if deposit.ReceivedBy != nil {
			data.ReceivedInfo += " by " + *deposit.ReceivedBy
		}
	}

	data.Lines = make([]pdf.StatementLine, 0, len(lines))
	for _, l := range lines {
		data.Lines = append(data.Lines, pdf.StatementLine{
			LineNumber:  strconv.Itoa(l.LineNumber),
			Account:     l.AccountName,
			Product:     l.ProductName,
			Usage:       money(l.Usage),
			Commission:  money(l.Commission),
			Allocated:   money(l.UsageAllocated),
			Unallocated: money(l.UsageUnallocated),
			Status:      string(l.Status),
		})
	}
	return data
}

func period(deposit domain.Deposit) string {
	switch {
	case deposit.PeriodStart != nil && deposit.PeriodEnd != nil:
		return deposit.PeriodStart.UTC().Format(statementDateLayout) + " to " + deposit.PeriodEnd.UTC().Format(statementDateLayout)
	case deposit.PeriodStart != nil:
		return "from " + deposit.PeriodStart.UTC().Format(statementDateLayout)
	default:
		return "-"
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
