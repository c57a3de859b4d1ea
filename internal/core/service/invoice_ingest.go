package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const invoiceBatchSize = 10

// InvoiceIngestor turns received invoice lines into invoice deltas,
// registering items it has not seen before.
type InvoiceIngestor struct {
	processor *DeltaProcessor
	store     *LedgerStore
	logger    *zap.Logger
}

func NewInvoiceIngestor(processor *DeltaProcessor, store *LedgerStore, logger *zap.Logger) *InvoiceIngestor {
	return &InvoiceIngestor{
		processor: processor,
		store:     store,
		logger:    logger,
	}
}

// IngestInvoice is safe to retry: line deltas are keyed by invoice number and
// line position.
func (in *InvoiceIngestor) IngestInvoice(ctx context.Context, inv domain.Invoice) (domain.IngestReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.IngestInvoice",
		trace.WithAttributes(
			attribute.String("invoice", inv.Number),
			attribute.Int("lines", len(inv.Lines)),
		),
	)
	defer span.End()

	if inv.Number == "" {
		return domain.IngestReport{}, &domain.ValidationError{Field: "number", Message: "required"}
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = time.Now().UTC()
	}

	report := domain.IngestReport{
		InvoiceNumber: inv.Number,
		Lines:         make([]domain.LineResult, len(inv.Lines)),
	}

	for start := 0; start < len(inv.Lines); start += invoiceBatchSize {
		end := min(start+invoiceBatchSize, len(inv.Lines))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				report.Lines[i] = in.ingestLine(ctx, inv, i)
			}()
		}
		wg.Wait()

		in.logger.Debug("invoice batch processed",
			zap.String("invoice", inv.Number),
			zap.Int("batch", start/invoiceBatchSize+1),
			zap.Int("lines", end-start),
		)
	}

	failed := 0
	for _, lr := range report.Lines {
		switch {
		case lr.Err != nil:
			failed++
		case lr.Ack.Status == domain.AckDuplicateIgnored:
			report.Duplicates++
		default:
			report.Applied++
		}
	}

	switch {
	case failed == 0:
		report.Status = domain.IngestSuccess
	case failed < len(report.Lines):
		report.Status = domain.IngestPartialFailure
	default:
		report.Status = domain.IngestFailure
	}

	span.SetAttributes(
		attribute.String("status", string(report.Status)),
		attribute.Int("failed", failed),
	)
	in.logger.Info("invoice ingested",
		zap.String("invoice", inv.Number),
		zap.String("supplier", inv.Supplier),
		zap.String("status", string(report.Status)),
		zap.Int("applied", report.Applied),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", failed),
	)
	return report, nil
}

func (in *InvoiceIngestor) ingestLine(ctx context.Context, inv domain.Invoice, i int) domain.LineResult {
	line := inv.Lines[i]
	lr := domain.LineResult{Line: i + 1, ItemID: line.Key()}

	if err := line.Validate(); err != nil {
		lr.Err = err
		return lr
	}

	_, err := in.store.RegisterItem(ctx, domain.Item{
		ID:       line.Key(),
		Name:     line.ItemName,
		Unit:     line.Unit,
		Supplier: inv.Supplier,
		Category: line.Category,
		Brand:    domain.BrandOf(line.ItemName),
	})
	if err != nil && !errors.Is(err, domain.ErrItemExists) {
		lr.Err = fmt.Errorf("register item: %w", err)
		return lr
	}

	cost := line.UnitCost
	ack, err := in.processor.Submit(ctx, domain.Delta{
		ItemID:         line.Key(),
		Change:         line.UnitsOrdered,
		Source:         domain.SourceInvoice,
		IdempotencyKey: fmt.Sprintf("invoice:%s:%d", inv.Number, i+1),
		OccurredAt:     inv.ReceivedAt,
		UnitCost:       &cost,
		Note:           "invoice " + inv.Number,
	})
	if err != nil {
		lr.Err = err
		in.logger.Error("failed to ingest invoice line",
			zap.String("invoice", inv.Number),
			zap.Int("line", i+1),
			zap.Error(err),
		)
		return lr
	}
	lr.Ack = &ack
	return lr
}
