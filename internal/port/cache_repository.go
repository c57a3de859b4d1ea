package port

import (
	"context"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// QuantityCache is a read-side copy of current quantities kept for
// consumers outside the ledger, such as the search index.
type QuantityCache interface {
	// SetQuantity stores the event's quantity unless a newer sequence is
	// already cached. Returns false when the write was stale.
	SetQuantity(ctx context.Context, event domain.ChangeEvent) (bool, error)

	// AppendChange records the event on the durable change stream.
	AppendChange(ctx context.Context, event domain.ChangeEvent) error
}
