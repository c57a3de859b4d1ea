package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/metrics"
)

// DeltaFunc builds a delta from ledger state read inside the item's lane.
// Returning a nil delta applies nothing.
type DeltaFunc func(ctx context.Context) (*domain.Delta, error)

type result struct {
	ack domain.Ack
	err error
}

type job struct {
	ctx   context.Context
	delta *domain.Delta
	build DeltaFunc
	done  chan result
}

// lane is the FIFO queue of one item. pending counts jobs that were handed
// a lane but have not finished yet; it is guarded by DeltaProcessor.mu.
type lane struct {
	itemID  string
	jobs    chan *job
	pending int
}

// DeltaProcessor serializes all mutations of an item through a single lane.
// Lanes start on the first job for an item and stop once they run dry, so
// unrelated items never share a queue.
type DeltaProcessor struct {
	store      *LedgerStore
	logger     *zap.Logger
	laneBuffer int

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewDeltaProcessor(store *LedgerStore, laneBuffer int, logger *zap.Logger) *DeltaProcessor {
	if laneBuffer <= 0 {
		laneBuffer = 64
	}
	return &DeltaProcessor{
		store:      store,
		logger:     logger,
		laneBuffer: laneBuffer,
		lanes:      make(map[string]*lane),
	}
}

// Submit applies d in the item's total order. A replayed idempotency key is
// acknowledged with AckDuplicateIgnored and changes nothing. Once the delta is
// queued it will be applied even if ctx is cancelled while waiting.
func (p *DeltaProcessor) Submit(ctx context.Context, d domain.Delta) (domain.Ack, error) {
	if err := d.Validate(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			metrics.DeltasRejected.WithLabelValues(ve.Field).Inc()
		}
		return domain.Ack{}, err
	}
	if d.UnitCost != nil {
		c := *d.UnitCost
		d.UnitCost = &c
	}
	return p.do(ctx, d.ItemID, &job{delta: &d})
}

// SubmitComputed runs fn inside itemID's lane and applies the delta it
// returns, so the read and the write see no interleaved mutation.
func (p *DeltaProcessor) SubmitComputed(ctx context.Context, itemID string, fn DeltaFunc) (domain.Ack, error) {
	if itemID == "" {
		return domain.Ack{}, &domain.ValidationError{Field: "item_id", Message: "required"}
	}
	return p.do(ctx, itemID, &job{build: fn})
}

func (p *DeltaProcessor) do(ctx context.Context, itemID string, j *job) (domain.Ack, error) {
	j.ctx = context.WithoutCancel(ctx)
	j.done = make(chan result, 1)

	if err := p.enqueue(ctx, itemID, j); err != nil {
		return domain.Ack{}, err
	}

	select {
	case r := <-j.done:
		return r.ack, r.err
	case <-ctx.Done():
		return domain.Ack{}, ctx.Err()
	}
}

func (p *DeltaProcessor) enqueue(ctx context.Context, itemID string, j *job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrProcessorClosed
	}
	l, ok := p.lanes[itemID]
	if !ok {
		l = &lane{itemID: itemID, jobs: make(chan *job, p.laneBuffer)}
		p.lanes[itemID] = l
		p.wg.Add(1)
		metrics.ActiveLanes.Inc()
		go p.run(l)
	}
	l.pending++
	p.mu.Unlock()

	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	l.pending--
	if l.pending == 0 {
		// The worker is idle on an empty channel; retire the lane here.
		delete(p.lanes, itemID)
		close(l.jobs)
	}
	p.mu.Unlock()
	return ctx.Err()
}

func (p *DeltaProcessor) run(l *lane) {
	defer p.wg.Done()
	defer metrics.ActiveLanes.Dec()

	for j := range l.jobs {
		ack, err := p.process(l.itemID, j)
		j.done <- result{ack: ack, err: err}

		p.mu.Lock()
		l.pending--
		if l.pending == 0 {
			delete(p.lanes, l.itemID)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *DeltaProcessor) process(itemID string, j *job) (domain.Ack, error) {
	d := j.delta
	if j.build != nil {
		built, err := j.build(j.ctx)
		if err != nil {
			return domain.Ack{}, err
		}
		if built == nil {
			return domain.Ack{Status: domain.AckNoop, ItemID: itemID}, nil
		}
		if built.ItemID != itemID {
			return domain.Ack{}, fmt.Errorf("computed delta for %q routed to lane %q", built.ItemID, itemID)
		}
		if err := built.Validate(); err != nil {
			return domain.Ack{}, err
		}
		d = built
	}

	applied, err := p.store.ApplyDelta(j.ctx, *d)
	if errors.Is(err, domain.ErrDuplicateDelta) {
		metrics.DeltasDuplicate.Inc()
		p.logger.Debug("duplicate delta ignored",
			zap.String("item_id", itemID),
			zap.String("idempotency_key", d.IdempotencyKey),
			zap.Uint64("sequence", applied.Sequence),
		)
		return domain.Ack{
			Status:   domain.AckDuplicateIgnored,
			ItemID:   itemID,
			Sequence: applied.Sequence,
			Quantity: applied.QuantityAfter,
		}, nil
	}
	if err != nil {
		p.logger.Error("failed to apply delta",
			zap.String("item_id", itemID),
			zap.String("idempotency_key", d.IdempotencyKey),
			zap.Error(err),
		)
		return domain.Ack{}, fmt.Errorf("apply delta: %w", err)
	}

	ack := domain.Ack{
		Status:   domain.AckApplied,
		ItemID:   itemID,
		Sequence: applied.Sequence,
		Quantity: applied.QuantityAfter,
	}
	if applied.QuantityAfter.IsNegative() {
		ack.Warning = domain.WarningNegativeQuantity
		metrics.NegativeQuantity.Inc()
		p.logger.Warn("item quantity below zero",
			zap.String("item_id", itemID),
			zap.String("quantity", applied.QuantityAfter.String()),
			zap.Uint64("sequence", applied.Sequence),
			zap.String("source", string(d.Source)),
		)
	}
	return ack, nil
}

// Close stops accepting deltas and waits for queued ones to be applied.
func (p *DeltaProcessor) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
