package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Fallback with a case-insensitive substring match.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Directory, int, error) {
	q = q.normalized()
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	pattern := likePattern(q.Text)

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM directories WHERE name ILIKE $1 ESCAPE '\'
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgsearch count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, parent_id
		FROM directories
		WHERE name ILIKE $1 ESCAPE '\'
		ORDER BY LOWER(name), id
		LIMIT $2 OFFSET $3
	`, pattern, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgsearch query: %w", err)
	}
	defer rows.Close()

	results, err := scanDirectories(rows)
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

// AllDirectories returns every directory for full reindexing.
func (p *PgSearch) AllDirectories(ctx context.Context) ([]Directory, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, parent_id FROM directories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load directories: %w", err)
	}
	defer rows.Close()
	return scanDirectories(rows)
}

func scanDirectories(rows *sql.Rows) ([]Directory, error) {
	var results []Directory
	for rows.Next() {
		var d Directory
		if err := rows.Scan(&d.ID, &d.Name, &d.ParentID); err != nil {
			return nil, fmt.Errorf("pgsearch scan: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// likePattern escapes LIKE wildcards in text and wraps it for a substring match.
func likePattern(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(text)) + "%"
}
