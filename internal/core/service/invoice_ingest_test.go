package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

func invoiceLine(number, name, units, cost string) domain.InvoiceLine {
	return domain.InvoiceLine{
		ItemNumber:   number,
		ItemName:     name,
		Category:     "Dry goods",
		Unit:         "case",
		UnitsOrdered: dec(units),
		UnitCost:     dec(cost),
		CasePrice:    dec(cost).Mul(dec(units)),
	}
}

func TestIngestInvoice_Success(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	report, err := l.Invoices.IngestInvoice(ctx, domain.Invoice{
		Number:     "INV-1001",
		Supplier:   "Sysco",
		ReceivedAt: t1,
		Lines: []domain.InvoiceLine{
			invoiceLine("1001", "Barilla/Penne Rigate", "4", "18.50"),
			invoiceLine("1002", "Hellmann's Mayonnaise", "2", "22.00"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestSuccess, report.Status)
	assert.Equal(t, 2, report.Applied)
	assert.Zero(t, report.Duplicates)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, 1, report.Lines[0].Line)
	assert.Equal(t, domain.AckApplied, report.Lines[0].Ack.Status)

	penne, err := l.GetItem(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "Barilla/Penne Rigate", penne.Name)
	assert.Equal(t, "Barilla", penne.Brand)
	assert.Equal(t, "Sysco", penne.Supplier)
	assert.Equal(t, "case", penne.Unit)
	assert.True(t, penne.Quantity.Equal(dec("4")))
	require.NotNil(t, penne.LastUnitCost)
	assert.True(t, penne.LastUnitCost.Equal(dec("18.50")))

	mayo, err := l.GetItem(ctx, "1002")
	require.NoError(t, err)
	assert.Equal(t, "Hellmann", mayo.Brand)

	history, err := l.QueryHistory(ctx, "1002", t1, t2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SourceInvoice, history[0].Source)
}

func TestIngestInvoice_RetryIsDuplicate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	inv := domain.Invoice{
		Number:     "INV-2002",
		ReceivedAt: t1,
		Lines:      []domain.InvoiceLine{invoiceLine("2001", "Kosher salt", "10", "1.10")},
	}

	_, err := l.Invoices.IngestInvoice(ctx, inv)
	require.NoError(t, err)

	report, err := l.Invoices.IngestInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestSuccess, report.Status)
	assert.Zero(t, report.Applied)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, domain.AckDuplicateIgnored, report.Lines[0].Ack.Status)
	assert.Equal(t, uint64(1), report.Lines[0].Ack.Sequence)

	salt, err := l.GetItem(ctx, "2001")
	require.NoError(t, err)
	assert.True(t, salt.Quantity.Equal(dec("10")))
	assert.Equal(t, uint64(1), salt.Sequence)
}

func TestIngestInvoice_PartialAndTotalFailure(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	bad := invoiceLine("3002", "Mystery box", "1", "5")
	bad.Unit = ""
	negative := invoiceLine("3003", "Refund", "-1", "5")

	report, err := l.Invoices.IngestInvoice(ctx, domain.Invoice{
		Number:     "INV-3003",
		ReceivedAt: t1,
		Lines:      []domain.InvoiceLine{invoiceLine("3001", "Cumin", "3", "4.25"), bad, negative},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestPartialFailure, report.Status)
	assert.Equal(t, 1, report.Applied)

	var ve *domain.ValidationError
	require.ErrorAs(t, report.Lines[1].Err, &ve)
	assert.Equal(t, "unit", ve.Field)
	require.ErrorAs(t, report.Lines[2].Err, &ve)
	assert.Equal(t, "units_ordered", ve.Field)

	_, err = l.GetItem(ctx, "3002")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	report, err = l.Invoices.IngestInvoice(ctx, domain.Invoice{
		Number: "INV-3004",
		Lines:  []domain.InvoiceLine{bad},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestFailure, report.Status)
}

func TestIngestInvoice_ManyLinesInBatches(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	lines := make([]domain.InvoiceLine, 25)
	for i := range lines {
		lines[i] = invoiceLine(fmt.Sprintf("sku-%02d", i), fmt.Sprintf("Item %d", i), "1", "1")
	}
	report, err := l.Invoices.IngestInvoice(ctx, domain.Invoice{Number: "INV-BIG", ReceivedAt: t1, Lines: lines})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestSuccess, report.Status)
	assert.Equal(t, 25, report.Applied)
	for i, lr := range report.Lines {
		assert.Equal(t, i+1, lr.Line)
		assert.Equal(t, fmt.Sprintf("sku-%02d", i), lr.ItemID)
	}
}

func TestIngestInvoice_SameItemOnTwoLines(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	report, err := l.Invoices.IngestInvoice(ctx, domain.Invoice{
		Number:     "INV-4004",
		ReceivedAt: t1,
		Lines: []domain.InvoiceLine{
			invoiceLine("4001", "Basil", "2", "3"),
			invoiceLine("4001", "Basil", "5", "3"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	basil, err := l.GetItem(ctx, "4001")
	require.NoError(t, err)
	assert.True(t, basil.Quantity.Equal(dec("7")))
	assert.Equal(t, uint64(2), basil.Sequence)
}

func TestIngestInvoice_RequiresNumber(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Invoices.IngestInvoice(context.Background(), domain.Invoice{})
	assert.True(t, domain.IsValidation(err))
}
