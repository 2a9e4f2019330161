package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"darwinbox/api/internal/changes"
)

// NotificationSource opens Postgres LISTEN subscriptions. Every subscription
// holds its own dedicated connection outside the database/sql pool.
type NotificationSource struct {
	databaseURL string
}

func NewNotificationSource(databaseURL string) *NotificationSource {
	return &NotificationSource{databaseURL: databaseURL}
}

func (s *NotificationSource) Subscribe(ctx context.Context, topic string) (changes.Feed, error) {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}
	return &notificationFeed{conn: conn}, nil
}

type notificationFeed struct {
	conn *pgx.Conn
}

func (f *notificationFeed) Receive(ctx context.Context) (string, error) {
	notification, err := f.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return notification.Payload, nil
}

func (f *notificationFeed) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.conn.Close(ctx)
}
