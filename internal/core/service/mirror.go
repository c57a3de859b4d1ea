package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// QuantityMirror keeps a QuantityCache in step with the ledger by consuming
// a change subscription. After a gap it reloads every item from the store.
type QuantityMirror struct {
	publisher *ChangePublisher
	store     *LedgerStore
	cache     port.QuantityCache
	stream    bool
	logger    *zap.Logger
}

func NewQuantityMirror(publisher *ChangePublisher, store *LedgerStore, cache port.QuantityCache, stream bool, logger *zap.Logger) *QuantityMirror {
	return &QuantityMirror{
		publisher: publisher,
		store:     store,
		cache:     cache,
		stream:    stream,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the publisher shuts down. When the
// publisher shuts down first the cache gets one last full sync, since
// events still buffered at that point are discarded.
func (m *QuantityMirror) Run(ctx context.Context) error {
	sub := m.publisher.Subscribe()
	defer sub.Close()

	// Subscribe first so nothing committed during the initial load is missed.
	if err := m.resync(ctx); err != nil {
		m.logger.Error("initial mirror sync failed", zap.Error(err))
	}

	m.logger.Info("quantity mirror started")
	for ev := range sub.All(ctx) {
		m.handle(ctx, ev)
	}
	if ctx.Err() == nil {
		if err := m.resync(ctx); err != nil {
			m.logger.Error("final mirror sync failed", zap.Error(err))
		}
	}
	m.logger.Info("quantity mirror stopped")
	return ctx.Err()
}

func (m *QuantityMirror) handle(ctx context.Context, ev domain.ChangeEvent) {
	if ev.Kind == domain.EventGap {
		m.logger.Warn("mirror missed changes, resyncing", zap.Int("dropped", ev.Dropped))
		if err := m.resync(ctx); err != nil {
			m.logger.Error("mirror resync failed", zap.Error(err))
		}
		return
	}

	if _, err := m.cache.SetQuantity(ctx, ev); err != nil {
		m.logger.Error("failed to mirror quantity",
			zap.String("item_id", ev.ItemID),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err),
		)
	}
	if m.stream {
		if err := m.cache.AppendChange(ctx, ev); err != nil {
			m.logger.Error("failed to append change to stream",
				zap.String("item_id", ev.ItemID),
				zap.Uint64("sequence", ev.Sequence),
				zap.Error(err),
			)
		}
	}
}

func (m *QuantityMirror) resync(ctx context.Context) error {
	items, err := m.store.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	for _, it := range items {
		_, err := m.cache.SetQuantity(ctx, domain.ChangeEvent{
			Kind:      domain.EventChange,
			ItemID:    it.ID,
			Quantity:  it.Quantity,
			Sequence:  it.Sequence,
			Timestamp: it.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("mirror %s: %w", it.ID, err)
		}
	}
	return nil
}
