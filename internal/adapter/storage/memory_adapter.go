package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type memItem struct {
	mu     sync.RWMutex
	item   domain.Item
	deltas []domain.AppliedDelta // append-only, index = sequence-1
	keys   map[string]int
}

// MemoryAdapter keeps the ledger and snapshots in process memory. It
// implements both port.LedgerRepository and port.SnapshotRepository.
type MemoryAdapter struct {
	mu    sync.RWMutex
	items map[string]*memItem

	snapMu    sync.Mutex
	snapshots map[string]domain.CountSnapshot
	results   map[string]map[string]domain.ReconciliationResult
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:     make(map[string]*memItem),
		snapshots: make(map[string]domain.CountSnapshot),
		results:   make(map[string]map[string]domain.ReconciliationResult),
	}
}

func (m *MemoryAdapter) lookup(itemID string) (*memItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemID]
	return it, ok
}

func (m *MemoryAdapter) RegisterItem(ctx context.Context, item domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return domain.ErrItemExists
	}
	m.items[item.ID] = &memItem{item: item.Clone(), keys: make(map[string]int)}
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	it, ok := m.lookup(itemID)
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	it.mu.RLock()
	defer it.mu.RUnlock()
	item := it.item.Clone()
	return &item, nil
}

func (m *MemoryAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	m.mu.RLock()
	all := make([]*memItem, 0, len(m.items))
	for _, it := range m.items {
		all = append(all, it)
	}
	m.mu.RUnlock()

	items := make([]domain.Item, 0, len(all))
	for _, it := range all {
		it.mu.RLock()
		items = append(items, it.item.Clone())
		it.mu.RUnlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemoryAdapter) SetActive(ctx context.Context, itemID string, active bool) error {
	it, ok := m.lookup(itemID)
	if !ok {
		return domain.ErrItemNotFound
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	it.item.Active = active
	it.item.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryAdapter) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	it, ok := m.items[d.ItemID]
	if !ok {
		it = &memItem{
			item: domain.Item{
				ID:        d.ItemID,
				Quantity:  decimal.Zero,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			},
			keys: make(map[string]int),
		}
		m.items[d.ItemID] = it
	}
	m.mu.Unlock()

	it.mu.Lock()
	defer it.mu.Unlock()

	if idx, dup := it.keys[d.IdempotencyKey]; dup {
		return it.deltas[idx], domain.ErrDuplicateDelta
	}

	applied := domain.AppliedDelta{
		Delta:         d,
		Sequence:      it.item.Sequence + 1,
		QuantityAfter: it.item.Quantity.Add(d.Change),
		AppliedAt:     now,
	}
	it.deltas = append(it.deltas, applied)
	it.keys[d.IdempotencyKey] = len(it.deltas) - 1

	it.item.Quantity = applied.QuantityAfter
	it.item.Sequence = applied.Sequence
	it.item.UpdatedAt = now
	if d.UnitCost != nil {
		c := *d.UnitCost
		it.item.LastUnitCost = &c
	}
	return applied, nil
}

func (m *MemoryAdapter) FindDelta(ctx context.Context, itemID, idempotencyKey string) (*domain.AppliedDelta, error) {
	it, ok := m.lookup(itemID)
	if !ok {
		return nil, domain.ErrDeltaNotFound
	}
	it.mu.RLock()
	defer it.mu.RUnlock()
	idx, ok := it.keys[idempotencyKey]
	if !ok {
		return nil, domain.ErrDeltaNotFound
	}
	d := it.deltas[idx]
	return &d, nil
}

// committed returns the delta slice as of now. Entries are never modified,
// so callers may read it without holding the item lock.
func (it *memItem) committed() []domain.AppliedDelta {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.deltas[:len(it.deltas):len(it.deltas)]
}

func (m *MemoryAdapter) DeltasAfter(ctx context.Context, itemID string, t time.Time) ([]domain.AppliedDelta, error) {
	it, ok := m.lookup(itemID)
	if !ok {
		return nil, nil
	}
	var out []domain.AppliedDelta
	for _, d := range it.committed() {
		if d.OccurredAt.After(t) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryAdapter) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	it, ok := m.lookup(itemID)
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	out := []domain.CostHistoryEntry{}
	for _, d := range it.committed() {
		if inRange(d.OccurredAt, from, to) {
			out = append(out, d.HistoryEntry())
		}
	}
	return out, nil
}

func (m *MemoryAdapter) Close() error { return nil }

func (m *MemoryAdapter) CreateSnapshot(ctx context.Context, s domain.CountSnapshot) (*domain.CountSnapshot, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if existing, ok := m.snapshots[s.ID]; ok {
		return &existing, nil
	}
	s.Counts = append([]domain.Count(nil), s.Counts...)
	m.snapshots[s.ID] = s
	return &s, nil
}

func (m *MemoryAdapter) GetSnapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	s, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return &s, nil
}

func (m *MemoryAdapter) SetSnapshotStatus(ctx context.Context, snapshotID string, status domain.SnapshotStatus) error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	s, ok := m.snapshots[snapshotID]
	if !ok {
		return domain.ErrSnapshotNotFound
	}
	s.Status = status
	m.snapshots[snapshotID] = s
	return nil
}

func (m *MemoryAdapter) SaveResult(ctx context.Context, r domain.ReconciliationResult) error {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if _, ok := m.snapshots[r.SnapshotID]; !ok {
		return domain.ErrSnapshotNotFound
	}
	byItem, ok := m.results[r.SnapshotID]
	if !ok {
		byItem = make(map[string]domain.ReconciliationResult)
		m.results[r.SnapshotID] = byItem
	}
	byItem[r.ItemID] = r
	return nil
}

func (m *MemoryAdapter) Results(ctx context.Context, snapshotID string) ([]domain.ReconciliationResult, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	s, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	byItem := m.results[snapshotID]
	out := make([]domain.ReconciliationResult, 0, len(byItem))
	for _, c := range s.Counts {
		if r, ok := byItem[c.ItemID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// inRange reports whether t falls in [from, to); zero bounds are open.
func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
