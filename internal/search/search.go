// Package search finds directories by name.
package search

import "context"

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Directory is both the indexed record and the search hit.
type Directory struct {
	ID       int32  `json:"id"`
	Name     string `json:"name"`
	ParentID *int32 `json:"parentId"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Directory `json:"results"`
	Total   int         `json:"total"`
	Query   string      `json:"query"`
}

// Searcher can execute a directory name search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Directory, int, error)
	Healthy() bool
}

// Indexer can push directories into a search index.
type Indexer interface {
	IndexDirectory(d Directory) error
	IndexDirectories(ds []Directory) error
	DeleteDirectory(id int32) error
}

// Index is a search engine that is kept in sync with the directories table.
type Index interface {
	Searcher
	Indexer
}

// Fallback answers searches straight from the database and can load every
// directory for reindexing.
type Fallback interface {
	Searcher
	AllDirectories(ctx context.Context) ([]Directory, error)
}
