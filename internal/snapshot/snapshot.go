// Package snapshot exports directory trees as JSON documents to S3-compatible
// object storage.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"darwinbox/api/internal/tree"
	"darwinbox/api/internal/util"
)

const keyPrefix = "trees/"

var (
	ErrInvalidKey = errors.New("snapshot: invalid key")
	ErrNotFound   = errors.New("snapshot: not found")
)

// Info describes a stored snapshot.
type Info struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Options configures the object storage connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store writes and reads tree snapshots in a single bucket.
type Store struct {
	client *minio.Client
	bucket string
}

func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("snapshot: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: client: %w", err)
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("snapshot: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("snapshot: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Export stores root under a fresh key.
func (s *Store) Export(ctx context.Context, root tree.Node) (Info, error) {
	body, err := json.Marshal(root)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return Info{}, err
	}

	key := NewKey()
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: put %s: %w", key, err)
	}
	return Info{Key: key, Size: info.Size}, nil
}

// Fetch returns the raw JSON stored under key.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("snapshot: get %s: %w", key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", key, err)
	}
	return body, nil
}

// NewKey returns a fresh object key under the trees/ prefix.
func NewKey() string {
	return keyPrefix + util.NewID("") + ".json"
}

// ValidateKey rejects keys that escape the trees/ prefix.
func ValidateKey(key string) error {
	if !strings.HasPrefix(key, keyPrefix) {
		return fmt.Errorf("%w: %q must start with %s", ErrInvalidKey, key, keyPrefix)
	}
	name := strings.TrimPrefix(key, keyPrefix)
	if name == "" || strings.Contains(name, "/") || path.Clean(key) != key || !strings.HasSuffix(name, ".json") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
