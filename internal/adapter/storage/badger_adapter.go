package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const (
	itemLockStripes    = 256
	conflictBackoff    = time.Millisecond
	maxConflictBackoff = 50 * time.Millisecond
)

// Key layout, NUL separated so ids may contain any printable character:
//
//	item  <id>           -> domain.Item
//	delta <id> <seq>     -> domain.AppliedDelta (seq zero padded, ascending)
//	idem  <id> <key>     -> seq
//	snap  <id>           -> domain.CountSnapshot
//	res   <snap> <item>  -> domain.ReconciliationResult
func key(parts ...string) []byte {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return b
}

func prefix(parts ...string) []byte {
	return append(key(parts...), 0)
}

func seqKey(itemID string, seq uint64) []byte {
	return key("delta", itemID, fmt.Sprintf("%020d", seq))
}

// BadgerAdapter is an embedded, durable ledger and snapshot repository.
type BadgerAdapter struct {
	db    *badger.DB
	locks [itemLockStripes]sync.Mutex
}

// OpenBadger opens or creates a database in dir. An empty dir keeps
// everything in memory.
func OpenBadger(dir string) (*BadgerAdapter, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerAdapter{db: db}, nil
}

func (b *BadgerAdapter) Close() error {
	return b.db.Close()
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, val)
}

// update retries transactions that lost a conflict with a concurrent writer
// until one commits or ctx is done.
func (b *BadgerAdapter) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	backoff := conflictBackoff
	for {
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxConflictBackoff)
	}
}

// updateItem runs fn holding the item's stripe lock, so writers of one item
// in this process commit one after another instead of conflicting.
func (b *BadgerAdapter) updateItem(ctx context.Context, itemID string, fn func(txn *badger.Txn) error) error {
	mu := &b.locks[xxhash.Sum64String(itemID)%itemLockStripes]
	mu.Lock()
	defer mu.Unlock()
	return b.update(ctx, fn)
}

func (b *BadgerAdapter) RegisterItem(ctx context.Context, item domain.Item) error {
	return b.updateItem(ctx, item.ID, func(txn *badger.Txn) error {
		_, err := txn.Get(key("item", item.ID))
		if err == nil {
			return domain.ErrItemExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key("item", item.ID), item)
	})
}

func (b *BadgerAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key("item", itemID), &item)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func (b *BadgerAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	var items []domain.Item
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix("item"), func(val []byte) error {
			var it domain.Item
			if err := json.Unmarshal(val, &it); err != nil {
				return err
			}
			items = append(items, it)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (b *BadgerAdapter) SetActive(ctx context.Context, itemID string, active bool) error {
	err := b.updateItem(ctx, itemID, func(txn *badger.Txn) error {
		var item domain.Item
		if err := getJSON(txn, key("item", itemID), &item); err != nil {
			return err
		}
		item.Active = active
		item.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key("item", itemID), item)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrItemNotFound
	}
	return err
}

func (b *BadgerAdapter) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	var applied domain.AppliedDelta
	err := b.updateItem(ctx, d.ItemID, func(txn *badger.Txn) error {
		now := time.Now().UTC()

		var item domain.Item
		err := getJSON(txn, key("item", d.ItemID), &item)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			item = domain.Item{ID: d.ItemID, Active: true, CreatedAt: now}
		case err != nil:
			return err
		}

		idem, err := txn.Get(key("idem", d.ItemID, d.IdempotencyKey))
		if err == nil {
			raw, err := idem.ValueCopy(nil)
			if err != nil {
				return err
			}
			seq, err := strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt idempotency record: %w", err)
			}
			if err := getJSON(txn, seqKey(d.ItemID, seq), &applied); err != nil {
				return err
			}
			return domain.ErrDuplicateDelta
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		applied = domain.AppliedDelta{
			Delta:         d,
			Sequence:      item.Sequence + 1,
			QuantityAfter: item.Quantity.Add(d.Change),
			AppliedAt:     now,
		}
		item.Sequence = applied.Sequence
		item.Quantity = applied.QuantityAfter
		item.UpdatedAt = now
		if d.UnitCost != nil {
			c := *d.UnitCost
			item.LastUnitCost = &c
		}

		if err := setJSON(txn, seqKey(d.ItemID, applied.Sequence), applied); err != nil {
			return err
		}
		if err := txn.Set(key("idem", d.ItemID, d.IdempotencyKey), []byte(strconv.FormatUint(applied.Sequence, 10))); err != nil {
			return err
		}
		return setJSON(txn, key("item", d.ItemID), item)
	})
	if errors.Is(err, domain.ErrDuplicateDelta) {
		return applied, err
	}
	if err != nil {
		return domain.AppliedDelta{}, fmt.Errorf("apply delta: %w", err)
	}
	return applied, nil
}

func (b *BadgerAdapter) FindDelta(ctx context.Context, itemID, idempotencyKey string) (*domain.AppliedDelta, error) {
	var applied domain.AppliedDelta
	err := b.db.View(func(txn *badger.Txn) error {
		idem, err := txn.Get(key("idem", itemID, idempotencyKey))
		if err != nil {
			return err
		}
		raw, err := idem.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return err
		}
		return getJSON(txn, seqKey(itemID, seq), &applied)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrDeltaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find delta: %w", err)
	}
	return &applied, nil
}

func (b *BadgerAdapter) deltas(itemID string, keep func(domain.AppliedDelta) bool) ([]domain.AppliedDelta, error) {
	var out []domain.AppliedDelta
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix("delta", itemID), func(val []byte) error {
			var d domain.AppliedDelta
			if err := json.Unmarshal(val, &d); err != nil {
				return err
			}
			if keep(d) {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func (b *BadgerAdapter) DeltasAfter(ctx context.Context, itemID string, t time.Time) ([]domain.AppliedDelta, error) {
	out, err := b.deltas(itemID, func(d domain.AppliedDelta) bool { return d.OccurredAt.After(t) })
	if err != nil {
		return nil, fmt.Errorf("deltas after: %w", err)
	}
	return out, nil
}

func (b *BadgerAdapter) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	if _, err := b.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	ds, err := b.deltas(itemID, func(d domain.AppliedDelta) bool { return inRange(d.OccurredAt, from, to) })
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := make([]domain.CostHistoryEntry, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.HistoryEntry())
	}
	return out, nil
}

func (b *BadgerAdapter) CreateSnapshot(ctx context.Context, s domain.CountSnapshot) (*domain.CountSnapshot, error) {
	var stored domain.CountSnapshot
	err := b.update(ctx, func(txn *badger.Txn) error {
		err := getJSON(txn, key("snap", s.ID), &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		stored = s
		return setJSON(txn, key("snap", s.ID), s)
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return &stored, nil
}

func (b *BadgerAdapter) GetSnapshot(ctx context.Context, snapshotID string) (*domain.CountSnapshot, error) {
	var s domain.CountSnapshot
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key("snap", snapshotID), &s)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

func (b *BadgerAdapter) SetSnapshotStatus(ctx context.Context, snapshotID string, status domain.SnapshotStatus) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		var s domain.CountSnapshot
		if err := getJSON(txn, key("snap", snapshotID), &s); err != nil {
			return err
		}
		s.Status = status
		return setJSON(txn, key("snap", snapshotID), s)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrSnapshotNotFound
	}
	return err
}

func (b *BadgerAdapter) SaveResult(ctx context.Context, r domain.ReconciliationResult) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key("snap", r.SnapshotID)); err != nil {
			return err
		}
		return setJSON(txn, key("res", r.SnapshotID, r.ItemID), r)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrSnapshotNotFound
	}
	return err
}

func (b *BadgerAdapter) Results(ctx context.Context, snapshotID string) ([]domain.ReconciliationResult, error) {
	s, err := b.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	byItem := make(map[string]domain.ReconciliationResult)
	err = b.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefix("res", snapshotID), func(val []byte) error {
			var r domain.ReconciliationResult
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			byItem[r.ItemID] = r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	out := make([]domain.ReconciliationResult, 0, len(byItem))
	for _, c := range s.Counts {
		if r, ok := byItem[c.ItemID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func scan(txn *badger.Txn, p []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
