package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *storage.MemoryAdapter) {
	t.Helper()
	repo := storage.NewMemoryAdapter()
	l := New(repo, repo, opts...)
	t.Cleanup(l.Close)
	return l, repo
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func posDelta(itemID, key, change string, at time.Time) domain.Delta {
	return domain.Delta{
		ItemID:         itemID,
		Change:         dec(change),
		Source:         domain.SourcePOS,
		IdempotencyKey: key,
		OccurredAt:     at,
	}
}

// gatedRepo blocks ApplyDelta until the gate is opened.
type gatedRepo struct {
	port.LedgerRepository
	entered chan struct{}
	gate    chan struct{}
}

func newGatedRepo(inner port.LedgerRepository) *gatedRepo {
	return &gatedRepo{
		LedgerRepository: inner,
		entered:          make(chan struct{}, 100),
		gate:             make(chan struct{}),
	}
}

func (g *gatedRepo) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.LedgerRepository.ApplyDelta(ctx, d)
}

// flakyRepo fails ApplyDelta for the listed items until healed.
type flakyRepo struct {
	port.LedgerRepository
	mu      sync.Mutex
	failing map[string]error
}

func newFlakyRepo(inner port.LedgerRepository, failing map[string]error) *flakyRepo {
	return &flakyRepo{LedgerRepository: inner, failing: failing}
}

func (f *flakyRepo) ApplyDelta(ctx context.Context, d domain.Delta) (domain.AppliedDelta, error) {
	f.mu.Lock()
	err := f.failing[d.ItemID]
	f.mu.Unlock()
	if err != nil {
		return domain.AppliedDelta{}, err
	}
	return f.LedgerRepository.ApplyDelta(ctx, d)
}

func (f *flakyRepo) heal() {
	f.mu.Lock()
	f.failing = nil
	f.mu.Unlock()
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recordingNotifier) Publish(ev domain.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingNotifier) Events() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChangeEvent(nil), r.events...)
}
