package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDirectories = "darwinbox_directories"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the directories index.
// An unreachable server is not an error: Meili reports unhealthy until its
// background health check succeeds.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDirectories,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDirectories, err)
	}

	index := m.client.Index(idxDirectories)
	filterable := []interface{}{"parentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxDirectories, err)
	}
	searchable := []string{"name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxDirectories, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Directory, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = q.normalized()

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxDirectories,
			Query:    q.Text,
			Limit:    int64(q.Limit),
			Offset:   int64(q.Offset),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Directory
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			if d, ok := hitToDirectory(hit); ok {
				results = append(results, d)
			}
		}
	}
	return results, total, nil
}

func hitToDirectory(hit meili.Hit) (Directory, bool) {
	var d Directory
	raw, ok := hit["id"]
	if !ok || json.Unmarshal(raw, &d.ID) != nil {
		return Directory{}, false
	}
	if raw, ok := hit["name"]; ok {
		_ = json.Unmarshal(raw, &d.Name)
	}
	if raw, ok := hit["parentId"]; ok {
		var parentID *int32
		if json.Unmarshal(raw, &parentID) == nil {
			d.ParentID = parentID
		}
	}
	return d, true
}

// IndexDirectory adds or replaces one directory in the index.
func (m *Meili) IndexDirectory(d Directory) error {
	_, err := m.client.Index(idxDirectories).AddDocuments([]Directory{d}, nil)
	return err
}

// IndexDirectories bulk-indexes directories.
func (m *Meili) IndexDirectories(ds []Directory) error {
	if len(ds) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDirectories).AddDocuments(ds, nil)
	return err
}

// DeleteDirectory removes one directory from the index.
func (m *Meili) DeleteDirectory(id int32) error {
	_, err := m.client.Index(idxDirectories).DeleteDocument(strconv.Itoa(int(id)), nil)
	return err
}
