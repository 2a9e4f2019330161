package search

import (
	"context"
	"errors"
	"log"

	"darwinbox/api/internal/changes"
)

// Service is the facade that tries the index first and falls back to Postgres.
type Service struct {
	index    Index
	fallback Fallback
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Fallback) *Service {
	return &Service{index: index, fallback: fallback}
}

// Search tries the index if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: index error, falling back to postgres: %v", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Directory{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex loads every directory from Postgres and pushes it to the index.
func (s *Service) Reindex(ctx context.Context) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	directories, err := s.fallback.AllDirectories(ctx)
	if err != nil {
		return err
	}
	return s.index.IndexDirectories(directories)
}

// Sync applies change events from sub to the index until ctx is done or the
// feed closes. Index failures are logged; a lagging subscription triggers a
// full reindex since events were lost.
func (s *Service) Sync(ctx context.Context, sub *changes.Subscription) {
	defer sub.Close()
	if s.index == nil {
		return
	}

	for {
		payload, err := sub.Recv(ctx)
		if err != nil {
			var lag *changes.LagError
			if errors.As(err, &lag) {
				log.Printf("search: sync lagged by %d events, reindexing", lag.Skipped)
				if err := s.Reindex(ctx); err != nil {
					log.Printf("search: reindex: %v", err)
				}
				continue
			}
			return
		}

		event, err := changes.ParseEvent(payload)
		if err != nil {
			log.Printf("search: skipping %v", err)
			continue
		}
		if err := s.apply(event); err != nil {
			log.Printf("search: apply %s %d: %v", event.Action, event.ID, err)
		}
	}
}

func (s *Service) apply(event changes.Event) error {
	switch event.Action {
	case changes.ActionDelete:
		return s.index.DeleteDirectory(event.ID)
	default:
		return s.index.IndexDirectory(Directory{ID: event.ID, Name: event.Name, ParentID: event.ParentID})
	}
}

func nonNil(r []Directory) []Directory {
	if r == nil {
		return []Directory{}
	}
	return r
}
