// Command relay forwards Postgres directory change notifications to a Redis
// channel, so API replicas can listen on Redis instead of each holding a
// LISTEN connection.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"darwinbox/api/internal/changes"
	"darwinbox/api/internal/config"
	"darwinbox/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := changes.NewRedisPublisher(cfg.RedisURL, cfg.ChangeTopic)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer publisher.Close()

	source := store.NewNotificationSource(cfg.DatabaseURL)
	if err := changes.Relay(ctx, source, config.NotifyChannel, publisher); err != nil {
		log.Printf("relay stopped: %v", err)
		publisher.Close()
		os.Exit(1)
	}
}
