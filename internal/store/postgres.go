package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrParentNotFound is returned when a directory is created under a parent
// that does not exist.
var ErrParentNotFound = errors.New("parent directory not found")

const foreignKeyViolation = "23503"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertDirectory(ctx context.Context, name string, parentID *int32) (int32, error) {
	var id int32
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO directories (name, parent_id)
		VALUES ($1, $2)
		RETURNING id
	`, name, parentID).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return 0, ErrParentNotFound
		}
		return 0, fmt.Errorf("insert directory: %w", err)
	}
	return id, nil
}

// UpdateDirectoryName is a no-op when the directory does not exist.
func (s *PostgresStore) UpdateDirectoryName(ctx context.Context, id int32, name string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE directories SET name = $1 WHERE id = $2`, name, id); err != nil {
		return fmt.Errorf("update directory name: %w", err)
	}
	return nil
}

// DeleteDirectory removes the directory and, through the cascading foreign
// key, all of its descendants. Deleting a missing directory is a no-op.
func (s *PostgresStore) DeleteDirectory(ctx context.Context, id int32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM directories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete directory: %w", err)
	}
	return nil
}

// ListDirectoryAndDescendants returns the directory and every descendant in
// recursive traversal order (parents before children).
func (s *PostgresStore) ListDirectoryAndDescendants(ctx context.Context, id int32) ([]DirectoryRow, error) {
	const query = `
		WITH RECURSIVE parents AS (
			SELECT d.id, d.name, d.parent_id
			FROM directories AS d
			WHERE d.id = $1
			UNION ALL
			SELECT d.id, d.name, d.parent_id
			FROM directories AS d
			INNER JOIN parents AS p ON d.parent_id = p.id
		)
		SELECT id, name, parent_id FROM parents
	`
	return s.listDirectories(ctx, query, id)
}

// ListAllDirectories returns every directory reachable from a root.
func (s *PostgresStore) ListAllDirectories(ctx context.Context) ([]DirectoryRow, error) {
	const query = `
		WITH RECURSIVE parents AS (
			SELECT d.id, d.name, d.parent_id
			FROM directories AS d
			WHERE d.parent_id IS NULL
			UNION ALL
			SELECT d.id, d.name, d.parent_id
			FROM directories AS d
			INNER JOIN parents AS p ON d.parent_id = p.id
		)
		SELECT id, name, parent_id FROM parents
	`
	return s.listDirectories(ctx, query)
}

func (s *PostgresStore) listDirectories(ctx context.Context, query string, args ...any) ([]DirectoryRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()

	items := make([]DirectoryRow, 0)
	for rows.Next() {
		var item DirectoryRow
		if err := rows.Scan(&item.ID, &item.Name, &item.ParentID); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	return items, nil
}
