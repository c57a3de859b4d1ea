package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const tracerName = "github.com/rl1809/inventory-ledger/service"

// Ledger wires the ledger components together and exposes the operations
// offered to the API layer, the import pipeline and the search index.
type Ledger struct {
	Store      *LedgerStore
	Processor  *DeltaProcessor
	Reconciler *ReconciliationEngine
	Publisher  *ChangePublisher
	History    *CostHistory
	Invoices   *InvoiceIngestor

	logger *zap.Logger
}

type options struct {
	logger           *zap.Logger
	laneBuffer       int
	subscriberBuffer int
	reconcileWorkers int
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLaneBuffer sets how many deltas may wait in one item's queue before
// Submit blocks.
func WithLaneBuffer(n int) Option {
	return func(o *options) { o.laneBuffer = n }
}

func WithSubscriberBuffer(n int) Option {
	return func(o *options) { o.subscriberBuffer = n }
}

func WithReconcileWorkers(n int) Option {
	return func(o *options) { o.reconcileWorkers = n }
}

func New(repo port.LedgerRepository, snapshots port.SnapshotRepository, opts ...Option) *Ledger {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	publisher := NewChangePublisher(o.subscriberBuffer, o.logger.Named("publisher"))
	store := NewLedgerStore(repo, publisher, o.logger.Named("store"))
	processor := NewDeltaProcessor(store, o.laneBuffer, o.logger.Named("processor"))

	return &Ledger{
		Store:      store,
		Processor:  processor,
		Reconciler: NewReconciliationEngine(processor, store, snapshots, o.reconcileWorkers, o.logger.Named("reconciler")),
		Publisher:  publisher,
		History:    NewCostHistory(store),
		Invoices:   NewInvoiceIngestor(processor, store, o.logger.Named("invoices")),
		logger:     o.logger,
	}
}

func (l *Ledger) Submit(ctx context.Context, d domain.Delta) (domain.Ack, error) {
	return l.Processor.Submit(ctx, d)
}

func (l *Ledger) Reconcile(ctx context.Context, snap domain.CountSnapshot) ([]domain.ReconciliationResult, error) {
	return l.Reconciler.Reconcile(ctx, snap)
}

func (l *Ledger) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	return l.Store.GetItem(ctx, itemID)
}

func (l *Ledger) RegisterItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	return l.Store.RegisterItem(ctx, item)
}

func (l *Ledger) QueryHistory(ctx context.Context, itemID string, from, to time.Time) ([]domain.CostHistoryEntry, error) {
	return l.History.QueryHistory(ctx, itemID, from, to)
}

func (l *Ledger) Subscribe(opts ...SubscribeOption) *Subscription {
	return l.Publisher.Subscribe(opts...)
}

// Close drains queued deltas and then ends all subscriptions. It does not
// close the repositories.
func (l *Ledger) Close() {
	l.Processor.Close()
	l.Publisher.Close()
	l.logger.Info("ledger stopped")
}
