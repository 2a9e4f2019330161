package changes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func recvWithin(t *testing.T, sub *Subscription, d time.Duration) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Recv(ctx)
}

func TestSubscriberSeesOnlyLaterMessages(t *testing.T) {
	b := NewBroadcaster(10)
	early := b.Subscribe()
	b.Publish("before")

	late := b.Subscribe()
	b.Publish("after")

	msg, err := recvWithin(t, late, time.Second)
	if err != nil || msg != "after" {
		t.Fatalf("late subscriber: expected %q, got %q (%v)", "after", msg, err)
	}
	if _, err := recvWithin(t, late, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("late subscriber should have nothing else, got %v", err)
	}

	for _, want := range []string{"before", "after"} {
		msg, err := recvWithin(t, early, time.Second)
		if err != nil || msg != want {
			t.Fatalf("early subscriber: expected %q, got %q (%v)", want, msg, err)
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(10)
	if n := b.Publish("nobody"); n != 0 {
		t.Errorf("expected 0 receivers, got %d", n)
	}
}

func TestSlowSubscriberDropsOldestOnly(t *testing.T) {
	const capacity = 100
	b := NewBroadcaster(capacity)
	slow := b.Subscribe()
	fast := b.Subscribe()

	const total = 250
	for i := 0; i < total; i++ {
		b.Publish(fmt.Sprintf("m%d", i))
		msg, err := recvWithin(t, fast, time.Second)
		if err != nil {
			t.Fatalf("fast subscriber recv %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); msg != want {
			t.Fatalf("fast subscriber: expected %q, got %q", want, msg)
		}
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber dropped %d messages", fast.Dropped())
	}

	_, err := recvWithin(t, slow, time.Second)
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("expected LagError, got %v", err)
	}
	if lag.Skipped != total-capacity {
		t.Errorf("expected %d skipped, got %d", total-capacity, lag.Skipped)
	}
	if slow.Dropped() != total-capacity {
		t.Errorf("expected Dropped %d, got %d", total-capacity, slow.Dropped())
	}

	for i := total - capacity; i < total; i++ {
		msg, err := recvWithin(t, slow, time.Second)
		if err != nil {
			t.Fatalf("slow subscriber recv %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); msg != want {
			t.Fatalf("slow subscriber: expected %q, got %q", want, msg)
		}
	}
}

func TestRecvWakesOnPublish(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()

	got := make(chan string, 1)
	go func() {
		msg, _ := recvWithin(t, sub, 2*time.Second)
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish("wake")

	select {
	case msg := <-got:
		if msg != "wake" {
			t.Errorf("expected wake, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not wake up")
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()
	b.Publish("last")
	b.Close()

	msg, err := recvWithin(t, sub, time.Second)
	if err != nil || msg != "last" {
		t.Fatalf("expected buffered message, got %q (%v)", msg, err)
	}
	if _, err := recvWithin(t, sub, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := b.Publish("ignored"); n != 0 {
		t.Errorf("publish after close reached %d subscribers", n)
	}
	if _, err := recvWithin(t, b.Subscribe(), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("subscribe after close: expected ErrClosed, got %v", err)
	}
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()
	other := b.Subscribe()
	if b.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Subscribers())
	}

	sub.Close()
	if b.Subscribers() != 1 {
		t.Errorf("expected 1 subscriber after Close, got %d", b.Subscribers())
	}
	if n := b.Publish("x"); n != 1 {
		t.Errorf("expected publish to reach 1 subscriber, got %d", n)
	}
	if _, err := recvWithin(t, sub, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("closed subscription: expected ErrClosed, got %v", err)
	}
	if msg, err := recvWithin(t, other, time.Second); err != nil || msg != "x" {
		t.Errorf("other subscription: expected x, got %q (%v)", msg, err)
	}
}
