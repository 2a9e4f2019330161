package changes

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of pending messages buffered per subscriber.
const DefaultCapacity = 100

// ErrClosed is returned by Recv once the broadcaster is closed and the
// subscription's buffer is drained.
var ErrClosed = errors.New("changes: broadcaster closed")

// LagError reports that a subscriber fell behind and lost messages. The
// subscription stays usable; the next Recv returns the oldest retained message.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("changes: subscriber lagged, %d messages skipped", e.Skipped)
}

// Broadcaster is a best-effort multicast channel. Every subscriber owns a
// bounded ring buffer; when it is full the oldest message is dropped for that
// subscriber only. Publish never blocks.
type Broadcaster struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription. It sees only messages published
// after Subscribe returns.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		owner:  b,
		buf:    make([]string, b.capacity),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers message to every current subscriber and returns how many
// subscribers it reached.
func (b *Broadcaster) Publish(message string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	for sub := range b.subs {
		sub.push(message)
	}
	return len(b.subs)
}

// Subscribers reports the number of registered subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops delivery. Subscribers drain their buffers and then get ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.markClosed()
	}
	b.subs = map[*Subscription]struct{}{}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one independent read handle on a Broadcaster.
type Subscription struct {
	owner  *Broadcaster
	notify chan struct{}

	mu      sync.Mutex
	buf     []string
	head    int
	size    int
	skipped uint64
	dropped uint64
	closed  bool
}

func (s *Subscription) push(message string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = ""
		s.head = (s.head + 1) % capacity
		s.size--
		s.skipped++
		s.dropped++
	}
	s.buf[(s.head+s.size)%capacity] = message
	s.size++
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Recv blocks until a message is available, the context is done, or the
// broadcaster is closed and nothing is left to read. A *LagError is returned
// once after messages were dropped for this subscriber.
func (s *Subscription) Recv(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		if s.skipped > 0 {
			skipped := s.skipped
			s.skipped = 0
			s.mu.Unlock()
			return "", &LagError{Skipped: skipped}
		}
		if s.size > 0 {
			message := s.buf[s.head]
			s.buf[s.head] = ""
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return message, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", ErrClosed
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped reports how many messages were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. Pending messages are discarded.
func (s *Subscription) Close() {
	s.owner.remove(s)
	s.mu.Lock()
	s.closed = true
	s.size = 0
	s.skipped = 0
	s.mu.Unlock()
	s.signal()
}
