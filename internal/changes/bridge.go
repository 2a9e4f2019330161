package changes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

var ErrUpstreamFeedFailure = errors.New("upstream change feed failure")

// Feed is one open subscription to an upstream change feed.
type Feed interface {
	// Receive blocks until the next raw payload arrives.
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Source opens subscriptions to an upstream change feed.
type Source interface {
	Subscribe(ctx context.Context, topic string) (Feed, error)
}

type State int32

const (
	StateStarting State = iota
	StateListening
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bridge owns exactly one upstream subscription and republishes every valid
// payload verbatim on a Broadcaster. It never reconnects: a fatal upstream
// error ends Run and the owner decides what to do next.
type Bridge struct {
	source      Source
	topic       string
	broadcaster *Broadcaster

	state     atomic.Int32
	started   atomic.Bool
	listening chan struct{}
	once      sync.Once
}

func NewBridge(source Source, topic string, capacity int) *Bridge {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bridge{
		source:      source,
		topic:       topic,
		broadcaster: NewBroadcaster(capacity),
		listening:   make(chan struct{}),
	}
}

// Subscribe returns a fresh handle that observes events published after the
// call returns.
func (b *Bridge) Subscribe() *Subscription {
	return b.broadcaster.Subscribe()
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Listening is closed once the upstream subscription is open.
func (b *Bridge) Listening() <-chan struct{} {
	return b.listening
}

// Subscribers reports the number of live fanout subscriptions.
func (b *Bridge) Subscribers() int {
	return b.broadcaster.Subscribers()
}

// Run subscribes upstream and forwards payloads until ctx is done or the feed
// fails. It returns nil after cancellation and an error wrapping
// ErrUpstreamFeedFailure otherwise. Run may only be called once.
func (b *Bridge) Run(ctx context.Context) (err error) {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("changes: bridge already started")
	}
	defer b.broadcaster.Close()
	defer func() {
		if err != nil {
			b.state.Store(int32(StateFailed))
			return
		}
		b.state.Store(int32(StateTerminated))
	}()

	feed, err := b.source.Subscribe(ctx, b.topic)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %s: %v", ErrUpstreamFeedFailure, b.topic, err)
	}
	defer func() {
		if closeErr := feed.Close(); closeErr != nil {
			log.Printf("changes: close feed %s: %v", b.topic, closeErr)
		}
	}()

	b.state.Store(int32(StateListening))
	b.once.Do(func() { close(b.listening) })
	log.Printf("changes: listening on %s", b.topic)

	for {
		payload, err := feed.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: receive %s: %v", ErrUpstreamFeedFailure, b.topic, err)
		}

		if _, err := ParseEvent(payload); err != nil {
			log.Printf("changes: %s: invalid payload %s: %v", b.topic, payload, err)
			continue
		}
		b.broadcaster.Publish(payload)
	}
}
