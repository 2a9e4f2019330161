// Package store persists directories in Postgres and exposes the
// directories change notifications.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultMaxOpenConns = 20

// Open connects the database/sql pool through the pgx driver. maxOpenConns
// <= 0 uses the default pool size.
func Open(ctx context.Context, databaseURL string, maxOpenConns ...int) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	open := defaultMaxOpenConns
	if len(maxOpenConns) > 0 && maxOpenConns[0] > 0 {
		open = maxOpenConns[0]
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(open / 2)
	db.SetMaxOpenConns(open)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
