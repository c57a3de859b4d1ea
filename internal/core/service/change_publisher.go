package service

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/metrics"
)

const defaultSubscriberBuffer = 256

// ChangePublisher fans committed changes out to subscribers. Publish never
// blocks: a subscriber that falls a full buffer behind loses that buffer and
// gets a single gap marker instead.
type ChangePublisher struct {
	bufferSize int
	logger     *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func NewChangePublisher(bufferSize int, logger *zap.Logger) *ChangePublisher {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &ChangePublisher{
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[uint64]*Subscription),
	}
}

type SubscribeOption func(*Subscription)

// WithBufferSize overrides the publisher's default per-subscriber buffer.
func WithBufferSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.buf = make([]domain.ChangeEvent, n)
		}
	}
}

// WithItems limits the subscription to the given items.
func WithItems(itemIDs ...string) SubscribeOption {
	return func(s *Subscription) {
		if len(itemIDs) == 0 {
			return
		}
		s.items = make(map[string]struct{}, len(itemIDs))
		for _, id := range itemIDs {
			s.items[id] = struct{}{}
		}
	}
}

func (p *ChangePublisher) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		pub:   p,
		buf:   make([]domain.ChangeEvent, p.bufferSize),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.size = len(s.buf)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.release()
		return s
	}
	p.nextID++
	s.id = p.nextID
	p.subs[s.id] = s
	metrics.Subscribers.Inc()
	return s
}

func (p *ChangePublisher) Publish(event domain.ChangeEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.subs {
		if s.push(event) {
			metrics.GapMarkers.Inc()
			p.logger.Warn("subscriber fell behind, buffer dropped",
				zap.Uint64("subscription", s.id),
				zap.Int("buffer_size", s.size),
			)
		}
	}
}

// Close ends every subscription.
func (p *ChangePublisher) Close() {
	p.mu.Lock()
	p.closed = true
	subs := p.subs
	p.subs = make(map[uint64]*Subscription)
	p.mu.Unlock()

	for _, s := range subs {
		if s.release() {
			metrics.Subscribers.Dec()
		}
	}
}

func (p *ChangePublisher) remove(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[id]; !ok {
		return false
	}
	delete(p.subs, id)
	return true
}

// Subscription is a pull-based, per-item ordered view of committed changes.
// It is owned by one consumer.
type Subscription struct {
	id    uint64
	pub   *ChangePublisher
	items map[string]struct{}
	size  int

	mu      sync.Mutex
	buf     []domain.ChangeEvent // ring
	head    int
	n       int
	dropped int
	gap     bool
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

// push queues ev and reports whether it had to open a new gap.
func (s *Subscription) push(ev domain.ChangeEvent) bool {
	if s.items != nil {
		if _, ok := s.items[ev.ItemID]; !ok {
			return false
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	opened := false
	if s.n == s.size {
		opened = !s.gap
		s.dropped += s.n
		s.gap = true
		clear(s.buf)
		s.head, s.n = 0, 0
	}
	s.buf[(s.head+s.n)%s.size] = ev
	s.n++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return opened
}

// Next blocks until an event is available. A gap marker is delivered before
// any event that was queued after the drop.
func (s *Subscription) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.ChangeEvent{}, domain.ErrSubscriptionClosed
		}
		if s.gap {
			ev := domain.ChangeEvent{
				Kind:      domain.EventGap,
				Dropped:   s.dropped,
				Timestamp: time.Now().UTC(),
			}
			s.gap, s.dropped = false, 0
			s.mu.Unlock()
			return ev, nil
		}
		if s.n > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = domain.ChangeEvent{}
			s.head = (s.head + 1) % s.size
			s.n--
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return domain.ChangeEvent{}, ctx.Err()
		}
	}
}

// All yields events until ctx is done or the subscription is closed.
func (s *Subscription) All(ctx context.Context) iter.Seq[domain.ChangeEvent] {
	return func(yield func(domain.ChangeEvent) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}

// Close stops delivery and drops anything still buffered.
func (s *Subscription) Close() {
	if s.pub.remove(s.id) {
		metrics.Subscribers.Dec()
	}
	s.release()
}

func (s *Subscription) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.buf = nil
	s.head, s.n, s.dropped, s.gap = 0, 0, 0, false
	close(s.done)
	return true
}
