package port

import (
	"context"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// LedgerRepository is the durable record of item state and applied deltas.
type LedgerRepository interface {
	// RegisterItem stores a new item at sequence 0, ErrItemExists if present.
	RegisterItem(ctx context.Context, item domain.Item) error

	// GetItem returns ErrItemNotFound for unknown ids.
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	ListItems(ctx context.Context) ([]domain.Item, error)

	// SetActive flips the active flag without touching quantity or sequence.
	SetActive(ctx context.Context, itemID string, active bool) error

	// ApplyDelta atomically checks the idempotency key, assigns the next
	// sequence, updates the quantity and appends the delta to history. The
	// item is created at zero if it does not exist. Returns ErrDuplicateDelta
	// together with the originally applied delta on replay.
	ApplyDelta(ctx context.Context, delta domain.Delta) (domain.AppliedDelta, error)

	// FindDelta looks an applied delta up by idempotency key.
	FindDelta(ctx context.Context, itemID, idempotencyKey string) (*domain.AppliedDelta, error)

	// DeltasAfter returns deltas whose OccurredAt is strictly after t, ascending by sequence.
	DeltasAfter(ctx context.Context, itemID string, t time.Time) ([]domain.AppliedDelta, error)

	// QueryHistory returns entries with EffectiveAt in [from, to), ascending
	// by sequence. Zero bounds are open.
	QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error)

	Close() error
}

// SnapshotRepository keeps count snapshots and their per-item results for audit.
type SnapshotRepository interface {
	// CreateSnapshot stores s if its id is new and returns the stored snapshot either way.
	CreateSnapshot(ctx context.Context, s domain.CountSnapshot) (*domain.CountSnapshot, error)
	GetSnapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, error)
	SetSnapshotStatus(ctx context.Context, snapshotID string, status domain.SnapshotStatus) error
	SaveResult(ctx context.Context, r domain.ReconciliationResult) error
	Results(ctx context.Context, snapshotID string) ([]domain.ReconciliationResult, error)
}
