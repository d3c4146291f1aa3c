package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig holds the settings for GCSStore.
type GCSConfig struct {
	// Bucket is the bucket name. Required.
	Bucket string
	// CredentialsFile is an optional service account key file. When empty,
	// application default credentials are used.
	CredentialsFile string
	// CredentialsJSON is an optional inline service account key.
	CredentialsJSON string
}

// GCSStore stores objects in a Google Cloud Storage bucket.
type GCSStore struct {
	// client is the storage API client.
	client *storage.Client
	// bucket is the target bucket name.
	bucket string
}

// NewGCSStore creates a storage client for cfg.Bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: GCS bucket is required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data to a new object.
func (s *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (Object, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key := objectKey(name)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("blob: write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("blob: close gs://%s/%s: %w", s.bucket, key, err)
	}
	return Object{PublicID: key, URL: s.url(key)}, nil
}

// Fetch downloads an object by the URL returned from Put.
func (s *GCSStore) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	prefix := s.url("")
	if !strings.HasPrefix(rawURL, prefix) {
		return nil, fmt.Errorf("blob: url %q is not in bucket %s", rawURL, s.bucket)
	}
	key := strings.TrimPrefix(rawURL, prefix)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob: read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// Delete removes an object. A missing object is not an error.
func (s *GCSStore) Delete(ctx context.Context, publicID string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.client.Bucket(s.bucket).Object(publicID).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("blob: delete gs://%s/%s: %w", s.bucket, publicID, err)
	}
	return nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) url(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}
