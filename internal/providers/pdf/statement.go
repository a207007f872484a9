package pdf

import (
	"bytes"
	"context"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// StatementData is the pre-formatted content of a deposit reconciliation
// statement. Amounts are already rendered as strings.
type StatementData struct {
	DepositName  string
	PayerName    string
	Period       string
	Status       string
	Reconciled   string
	GeneratedAt  string
	ReceivedInfo string

	TotalUsage            string
	TotalCommission       string
	UsageAllocated        string
	UsageUnallocated      string
	CommissionAllocated   string
	CommissionUnallocated string
	ItemCounts            string

	Lines []StatementLine
}

type StatementLine struct {
	LineNumber  string
	Account     string
	Product     string
	Usage       string
	Commission  string
	Allocated   string
	Unallocated string
	Status      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateDepositStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "Deposit reconciliation statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Deposit: "+data.DepositName, props.Text{Top: 0, Style: fontstyle.Bold}),
			text.New("Payer: "+data.PayerName, props.Text{Top: 5}),
			text.New("Period: "+data.Period, props.Text{Top: 10}),
			text.New(data.ReceivedInfo, props.Text{Top: 15, Size: 8}),
		),
		col.New(6).Add(
			text.New("Status: "+data.Status, props.Text{Top: 0, Align: align.Right}),
			text.New("Reconciled: "+data.Reconciled, props.Text{Top: 5, Align: align.Right}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 10, Align: align.Right, Size: 8}),
		),
	)

	m.AddRow(22,
		col.New(4).Add(
			text.New("Usage", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.New("Total "+data.TotalUsage, props.Text{Top: 5, Size: 9}),
			text.New("Allocated "+data.UsageAllocated, props.Text{Top: 9, Size: 9}),
			text.New("Unallocated "+data.UsageUnallocated, props.Text{Top: 13, Size: 9}),
		),
		col.New(4).Add(
			text.New("Commission", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.New("Total "+data.TotalCommission, props.Text{Top: 5, Size: 9}),
			text.New("Allocated "+data.CommissionAllocated, props.Text{Top: 9, Size: 9}),
			text.New("Unallocated "+data.CommissionUnallocated, props.Text{Top: 13, Size: 9}),
		),
		col.New(4).Add(
			text.New("Items", props.Text{Style: fontstyle.Bold, Size: 9}),
			text.New(data.ItemCounts, props.Text{Top: 5, Size: 9}),
		),
	)

	m.AddRow(8,
		text.NewCol(1, "#", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(3, "Account", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(2, "Product", props.Text{Style: fontstyle.Bold, Size: 8}),
		text.NewCol(1, "Usage", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		text.NewCol(1, "Comm.", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		text.NewCol(1, "Alloc.", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		text.NewCol(1, "Open", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		text.NewCol(2, "Status", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, l := range data.Lines {
		m.AddRow(7,
			text.NewCol(1, l.LineNumber, props.Text{Size: 8}),
			text.NewCol(3, l.Account, props.Text{Size: 8}),
			text.NewCol(2, l.Product, props.Text{Size: 8}),
			text.NewCol(1, l.Usage, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, l.Commission, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, l.Allocated, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, l.Unallocated, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(2, l.Status, props.Text{Size: 8, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}
