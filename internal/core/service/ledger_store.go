package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/metrics"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// Notifier receives every committed change, in commit order per item.
type Notifier interface {
	Publish(event domain.ChangeEvent)
}

// LedgerStore owns item records. Mutations must come from the item's lane
// in DeltaProcessor; reads may come from anywhere.
type LedgerStore struct {
	repo     port.LedgerRepository
	notifier Notifier
	logger   *zap.Logger
}

func NewLedgerStore(repo port.LedgerRepository, notifier Notifier, logger *zap.Logger) *LedgerStore {
	return &LedgerStore{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *LedgerStore) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	if itemID == "" {
		return nil, &domain.ValidationError{Field: "item_id", Message: "required"}
	}
	return s.repo.GetItem(ctx, itemID)
}

func (s *LedgerStore) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

// RegisterItem creates an item with its opening quantity at sequence 0.
func (s *LedgerStore) RegisterItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	item.Sequence = 0
	item.Active = true
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := s.repo.RegisterItem(ctx, item); err != nil {
		return nil, err
	}
	s.logger.Info("item registered",
		zap.String("item_id", item.ID),
		zap.String("opening_quantity", item.Quantity.String()),
	)
	return &item, nil
}

// Deactivate hides an item from active use. Items are never deleted.
func (s *LedgerStore) Deactivate(ctx context.Context, itemID string) error {
	return s.repo.SetActive(ctx, itemID, false)
}

// ApplyDelta commits d and notifies subscribers. On replay it returns the
// original commit together with domain.ErrDuplicateDelta and notifies nobody.
func (s *LedgerStore) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	start := time.Now()
	applied, err := s.repo.ApplyDelta(ctx, d)
	metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return applied, err
	}

	metrics.DeltasApplied.WithLabelValues(string(d.Source)).Inc()
	s.notifier.Publish(domain.NewChangeEvent(applied))
	return applied, nil
}

func (s *LedgerStore) FindDelta(ctx context.Context, itemID, idempotencyKey string) (*domain.AppliedDelta, error) {
	return s.repo.FindDelta(ctx, itemID, idempotencyKey)
}

// QuantityAt rebuilds the quantity an item had at t by walking back from the
// current state over every delta that occurred after t. Unknown items had
// nothing on hand.
func (s *LedgerStore) QuantityAt(ctx context.Context, itemID string, t time.Time) (decimal.Decimal, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if errors.Is(err, domain.ErrItemNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get item: %w", err)
	}

	later, err := s.repo.DeltasAfter(ctx, itemID, t)
	if err != nil {
		return decimal.Zero, fmt.Errorf("deltas after %s: %w", t.Format(time.RFC3339), err)
	}

	qty := item.Quantity
	for _, d := range later {
		qty = qty.Sub(d.Change)
	}
	return qty, nil
}

func (s *LedgerStore) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	return s.repo.QueryHistory(ctx, itemID, from, to)
}
