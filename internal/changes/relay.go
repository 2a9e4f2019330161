package changes

import (
	"context"
	"fmt"
	"log"
)

// Publisher forwards a validated raw payload to another transport.
type Publisher interface {
	Publish(ctx context.Context, payload string) (int64, error)
}

// Relay copies every valid payload of one upstream subscription to pub.
// Invalid payloads are logged and skipped; publish errors are logged and the
// relay keeps going. Like Bridge, it returns on the first upstream failure.
func Relay(ctx context.Context, source Source, topic string, pub Publisher) error {
	if topic == "" {
		topic = DefaultTopic
	}
	feed, err := source.Subscribe(ctx, topic)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %s: %v", ErrUpstreamFeedFailure, topic, err)
	}
	defer feed.Close()
	log.Printf("relay: forwarding %s", topic)

	for {
		payload, err := feed.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: receive %s: %v", ErrUpstreamFeedFailure, topic, err)
		}
		if _, err := ParseEvent(payload); err != nil {
			log.Printf("relay: %s: invalid payload %s: %v", topic, payload, err)
			continue
		}
		if _, err := pub.Publish(ctx, payload); err != nil {
			log.Printf("relay: %v", err)
		}
	}
}
