package app

import (
	"context"
	"net/http"
	"strings"

	"darwinbox/api/internal/changes"
	"darwinbox/api/internal/config"
	"darwinbox/api/internal/search"
	"darwinbox/api/internal/session"
	"darwinbox/api/internal/snapshot"
	"darwinbox/api/internal/store"
	"darwinbox/api/internal/tree"
)

type dataStore interface {
	Ping(context.Context) error
	InsertDirectory(context.Context, string, *int32) (int32, error)
	UpdateDirectoryName(context.Context, int32, string) error
	DeleteDirectory(context.Context, int32) error
	ListDirectoryAndDescendants(context.Context, int32) ([]store.DirectoryRow, error)
	ListAllDirectories(context.Context) ([]store.DirectoryRow, error)
}

type changeFeed interface {
	Subscribe() *changes.Subscription
	State() changes.State
}

type directorySearcher interface {
	Search(context.Context, search.Query) search.Response
}

type snapshotStore interface {
	Export(context.Context, tree.Node) (snapshot.Info, error)
	Fetch(context.Context, string) ([]byte, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	feed      changeFeed
	search    directorySearcher
	snapshots snapshotStore
}

func New(cfg config.Config, dataStore dataStore, feed changeFeed) *Service {
	return &Service{cfg: cfg, store: dataStore, feed: feed}
}

// SetSearch enables the search endpoint.
func (s *Service) SetSearch(searcher directorySearcher) {
	s.search = searcher
}

// SetSnapshots enables snapshot export. Leave unset when object storage is
// not configured.
func (s *Service) SetSnapshots(snapshots snapshotStore) {
	s.snapshots = snapshots
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ChangeFeedState reports the bridge state, or StateTerminated when the
// service runs without a change feed.
func (s *Service) ChangeFeedState() changes.State {
	if s.feed == nil {
		return changes.StateTerminated
	}
	return s.feed.State()
}

func (s *Service) CreateDirectory(ctx context.Context, name string, parentID *int32) (map[string]any, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	id, err := s.store.InsertDirectory(ctx, name, parentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

// GetDirectory returns the directory with id and its whole subtree.
func (s *Service) GetDirectory(ctx context.Context, id int32) (map[string]any, error) {
	rows, err := s.store.ListDirectoryAndDescendants(ctx, id)
	if err != nil {
		return nil, err
	}
	node, err := tree.Build(treeRows(rows)).IntoNode(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dir": node}, nil
}

// GetRoot returns every top-level directory under a virtual root.
func (s *Service) GetRoot(ctx context.Context) (map[string]any, error) {
	root, err := s.loadRoot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"root": root}, nil
}

func (s *Service) loadRoot(ctx context.Context) (tree.Node, error) {
	rows, err := s.store.ListAllDirectories(ctx)
	if err != nil {
		return tree.Node{}, err
	}
	return tree.Build(treeRows(rows)).IntoRoot()
}

func (s *Service) RenameDirectory(ctx context.Context, id int32, name string) (map[string]any, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDirectoryName(ctx, id, name); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) DeleteDirectory(ctx context.Context, id int32) (map[string]any, error) {
	if err := s.store.DeleteDirectory(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) SearchDirectories(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

// ExportSnapshot writes the current tree to object storage.
func (s *Service) ExportSnapshot(ctx context.Context) (snapshot.Info, error) {
	if s.snapshots == nil {
		return snapshot.Info{}, errSnapshotsUnavailable()
	}
	root, err := s.loadRoot(ctx)
	if err != nil {
		return snapshot.Info{}, err
	}
	return s.snapshots.Export(ctx, root)
}

func (s *Service) FetchSnapshot(ctx context.Context, key string) ([]byte, error) {
	if s.snapshots == nil {
		return nil, errSnapshotsUnavailable()
	}
	return s.snapshots.Fetch(ctx, key)
}

// SubscribeChanges opens a fanout subscription for one listener. It fails
// when the bridge is not delivering events.
func (s *Service) SubscribeChanges() (*changes.Subscription, error) {
	if s.feed == nil || s.feed.State() != changes.StateListening {
		return nil, domainError(http.StatusServiceUnavailable, "CHANGE_FEED_UNAVAILABLE", "Change feed is not listening", nil)
	}
	return s.feed.Subscribe(), nil
}

func (s *Service) SessionOptions(id string) session.Options {
	return session.Options{
		ID:                id,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}

func errSnapshotsUnavailable() error {
	return domainError(http.StatusServiceUnavailable, "SNAPSHOTS_UNAVAILABLE", "Snapshots are not configured", nil)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return nil
}

func treeRows(rows []store.DirectoryRow) []tree.Row {
	out := make([]tree.Row, len(rows))
	for i, row := range rows {
		out[i] = tree.Row{ID: row.ID, Name: row.Name, ParentID: row.ParentID}
	}
	return out
}
