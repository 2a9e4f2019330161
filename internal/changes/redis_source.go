package changes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSource subscribes to change events relayed on a Redis pub/sub channel.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource connects to redisURL and verifies the connection.
func NewRedisSource(redisURL string) (*RedisSource, error) {
	client, err := dialRedis(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisSource{client: client}, nil
}

// NewRedisSourceWithClient wraps an existing client.
func NewRedisSourceWithClient(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

// Subscribe returns once Redis has confirmed the subscription.
func (s *RedisSource) Subscribe(ctx context.Context, topic string) (Feed, error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe redis channel %s: %w", topic, err)
	}
	return &redisFeed{pubsub: pubsub}, nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisFeed struct {
	pubsub *redis.PubSub

	closeOnce sync.Once
	closeErr  error
}

// Receive closes the subscription when ctx is cancelled; ReceiveMessage keeps
// blocking on the socket otherwise.
func (f *redisFeed) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	msg, err := f.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return msg.Payload, nil
}

func (f *redisFeed) Close() error {
	f.closeOnce.Do(func() { f.closeErr = f.pubsub.Close() })
	return f.closeErr
}

// RedisPublisher republishes payloads on a Redis pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
	topic  string
}

func NewRedisPublisher(redisURL, topic string) (*RedisPublisher, error) {
	client, err := dialRedis(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisPublisherWithClient(client, topic), nil
}

func NewRedisPublisherWithClient(client *redis.Client, topic string) *RedisPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisPublisher{client: client, topic: topic}
}

// Publish returns the number of Redis subscribers that received payload.
func (p *RedisPublisher) Publish(ctx context.Context, payload string) (int64, error) {
	receivers, err := p.client.Publish(ctx, p.topic, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return receivers, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func dialRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
