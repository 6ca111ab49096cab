package document

import (
	"sync"
	"sync/atomic"
)

// Delivery is what a subscriber receives: one document, plus the number of
// documents that were dropped for this subscriber since its previous
// successful receive. Missed > 0 means the subscriber fell behind the
// bounded buffer and there is a gap in its view of the stream.
type Delivery struct {
	Doc    Document
	Missed uint64
}

// Broadcaster fans documents out from a single producer to any number of
// subscribers. Publication never blocks: a subscriber whose buffer is full
// loses documents and is told how many on its next read. Subscribers start
// at the point of subscription; there is no replay of history.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

// DefaultBufferSize is the per-subscriber buffer used when none is given.
const DefaultBufferSize = 1024

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer capacity.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscription is one subscriber's independent view of the document stream.
type Subscription struct {
	id      uint64
	b       *Broadcaster
	ch      chan Delivery
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscriber. Returns nil if the broadcaster has
// been closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		b:  b,
		ch: make(chan Delivery, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers doc to every subscriber without blocking. Subscribers
// whose buffers are full accumulate a drop count instead.
func (b *Broadcaster) Publish(doc Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		missed := sub.dropped.Swap(0)
		select {
		case sub.ch <- Delivery{Doc: doc, Missed: missed}:
		default:
			// Buffer full: this document is lost for the subscriber,
			// along with any previously accumulated gap.
			sub.dropped.Add(missed + 1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates the broadcaster. Subscriber channels are closed after
// any buffered deliveries are drained by their readers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// C returns the subscriber's receive channel. The channel is closed when
// the subscription is cancelled or the broadcaster shuts down.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Dropped reports documents lost since the last successful receive. The
// count is also surfaced as Delivery.Missed on the next read.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subs[s.id]; ok {
			delete(s.b.subs, s.id)
			close(s.ch)
		}
	})
}
