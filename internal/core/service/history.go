package service

import (
	"context"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// CostHistory is the read path over the append-only cost/quantity history.
// Reads never wait on lanes and may trail an in-flight commit.
type CostHistory struct {
	store *LedgerStore
}

func NewCostHistory(store *LedgerStore) *CostHistory {
	return &CostHistory{store: store}
}

// QueryHistory returns entries effective in [from, to), ascending by
// sequence. A zero bound leaves that side open.
func (h *CostHistory) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	if itemID == "" {
		return nil, &domain.ValidationError{Field: "item_id", Message: "required"}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, &domain.ValidationError{Field: "to", Message: "before from"}
	}
	if _, err := h.store.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return h.store.QueryHistory(ctx, itemID, from, to)
}
