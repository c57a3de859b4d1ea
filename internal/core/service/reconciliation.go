package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/metrics"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// correctionNamespace seeds the deterministic idempotency keys of
// reconciliation deltas.
var correctionNamespace = uuid.MustParse("6f1f0c5e-8f43-4a55-9a43-3c3b1d9e2a71")

// CorrectionKey is the idempotency key of the correction for itemID in snapshotID.
func CorrectionKey(snapshotID, itemID string) string {
	return "reconciliation:" + uuid.NewSHA1(correctionNamespace, []byte(snapshotID+"\x00"+itemID)).String()
}

type ReconciliationEngine struct {
	processor *DeltaProcessor
	store     *LedgerStore
	snapshots port.SnapshotRepository
	workers   int
	logger    *zap.Logger
}

func NewReconciliationEngine(processor *DeltaProcessor, store *LedgerStore, snapshots port.SnapshotRepository, workers int, logger *zap.Logger) *ReconciliationEngine {
	if workers <= 0 {
		workers = 8
	}
	return &ReconciliationEngine{
		processor: processor,
		store:     store,
		snapshots: snapshots,
		workers:   workers,
		logger:    logger,
	}
}

// Reconcile compares every count in snap with the ledger as of the snapshot's
// reference time and books the variance as a reconciliation delta. Results
// are recorded per item, so running it again on the same snapshot returns the
// same results and applies nothing. If some items fail, the snapshot is left
// failed and the returned error is a *domain.ReconciliationPartialFailure.
func (e *ReconciliationEngine) Reconcile(ctx context.Context, snap domain.CountSnapshot) ([]domain.ReconciliationResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.Int("counts", len(snap.Counts)),
	)

	results, err := e.reconcile(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results, err
}

func (e *ReconciliationEngine) reconcile(ctx context.Context, snap domain.CountSnapshot) ([]domain.ReconciliationResult, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if snap.IngestedAt.IsZero() {
		snap.IngestedAt = time.Now().UTC()
	}
	snap.Status = domain.SnapshotPending

	stored, err := e.snapshots.CreateSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	prior, err := e.snapshots.Results(ctx, stored.ID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	done := make(map[string]domain.ReconciliationResult, len(prior))
	for _, r := range prior {
		done[r.ItemID] = r
	}

	results := make([]domain.ReconciliationResult, len(stored.Counts))
	errs := make([]error, len(stored.Counts))

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i, c := range stored.Counts {
		if r, ok := done[c.ItemID]; ok {
			results[i] = r
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			results[i], errs[i] = e.reconcileItem(ctx, *stored, c)
		}()
	}
	wg.Wait()

	failure := &domain.ReconciliationPartialFailure{SnapshotID: stored.ID, Failures: map[string]error{}}
	ok := make([]domain.ReconciliationResult, 0, len(results))
	for i, r := range results {
		if errs[i] != nil {
			failure.Failures[stored.Counts[i].ItemID] = errs[i]
			continue
		}
		ok = append(ok, r)
	}

	if len(failure.Failures) > 0 {
		e.logger.Error("snapshot reconciliation incomplete",
			zap.String("snapshot_id", stored.ID),
			zap.Int("failed", len(failure.Failures)),
			zap.Int("reconciled", len(ok)),
		)
		if err := e.snapshots.SetSnapshotStatus(ctx, stored.ID, domain.SnapshotFailed); err != nil {
			return ok, errors.Join(failure, fmt.Errorf("mark snapshot failed: %w", err))
		}
		return ok, failure
	}

	if stored.Status != domain.SnapshotReconciled {
		if err := e.snapshots.SetSnapshotStatus(ctx, stored.ID, domain.SnapshotReconciled); err != nil {
			return ok, fmt.Errorf("mark snapshot reconciled: %w", err)
		}
		e.logger.Info("snapshot reconciled",
			zap.String("snapshot_id", stored.ID),
			zap.Int("items", len(ok)),
		)
	}
	return ok, nil
}

func (e *ReconciliationEngine) reconcileItem(ctx context.Context, snap domain.CountSnapshot, c domain.Count) (domain.ReconciliationResult, error) {
	key := CorrectionKey(snap.ID, c.ItemID)
	r := domain.ReconciliationResult{
		SnapshotID: snap.ID,
		ItemID:     c.ItemID,
		Counted:    c.Counted,
	}

	ack, err := e.processor.SubmitComputed(ctx, c.ItemID, func(ctx context.Context) (*domain.Delta, error) {
		// A correction committed by an earlier, interrupted run already holds the variance.
		prev, err := e.store.FindDelta(ctx, c.ItemID, key)
		if err == nil {
			r.Variance = prev.Change
			r.Expected = c.Counted.Sub(prev.Change)
			r.CorrectionSequence = prev.Sequence
			return nil, nil
		}
		if !errors.Is(err, domain.ErrDeltaNotFound) {
			return nil, fmt.Errorf("find correction: %w", err)
		}

		expected, err := e.store.QuantityAt(ctx, c.ItemID, snap.ReferenceTime)
		if err != nil {
			return nil, err
		}
		r.Expected = expected
		r.Variance = c.Counted.Sub(expected)
		if r.Variance.IsZero() {
			return nil, nil
		}
		return &domain.Delta{
			ItemID:         c.ItemID,
			Change:         r.Variance,
			Source:         domain.SourceReconciliation,
			IdempotencyKey: key,
			OccurredAt:     snap.ReferenceTime,
			Note:           "count snapshot " + snap.ID,
		}, nil
	})
	if err != nil {
		return domain.ReconciliationResult{}, err
	}
	if ack.Status == domain.AckApplied {
		r.CorrectionSequence = ack.Sequence
	}
	r.Classification = domain.Classify(r.Variance)

	if err := e.snapshots.SaveResult(ctx, r); err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("save result: %w", err)
	}
	metrics.ReconciliationResults.WithLabelValues(string(r.Classification)).Inc()

	if r.Classification == domain.ClassShrinkage {
		e.logger.Info("shrinkage recorded",
			zap.String("snapshot_id", snap.ID),
			zap.String("item_id", c.ItemID),
			zap.String("expected", r.Expected.String()),
			zap.String("counted", r.Counted.String()),
			zap.String("variance", r.Variance.String()),
		)
	}
	return r, nil
}

// Snapshot returns the stored snapshot, which wins over any later submission
// reusing its id.
func (e *ReconciliationEngine) Snapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, error) {
	return e.snapshots.GetSnapshot(ctx, snapshotID)
}

func (e *ReconciliationEngine) GetSnapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, []domain.ReconciliationResult, error) {
	snap, err := e.snapshots.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	results, err := e.snapshots.Results(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	return snap, results, nil
}
