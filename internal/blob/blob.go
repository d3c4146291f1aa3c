// Package blob stores the original bytes of uploaded documents.
//
// Two backends are provided: LocalStore keeps files under a directory and is
// the default for single-node deployments; GCSStore writes to a Google Cloud
// Storage bucket. Both hand back an Object whose URL is later passed to
// Fetch by the processing pipeline and whose PublicID is passed to Delete.
package blob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Fetch when the object does not exist.
var ErrNotFound = errors.New("blob: not found")

// Object identifies a stored file.
type Object struct {
	// PublicID is the backend key used for deletion.
	PublicID string
	// URL is the location Fetch reads the bytes from.
	URL string
}

// Store is the object storage collaborator.
// Implementations must be safe to call from multiple goroutines.
type Store interface {
	// Put stores data under a new key derived from name.
	Put(ctx context.Context, name, contentType string, data []byte) (Object, error)
	// Fetch returns the bytes stored at url.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// Delete removes the object with the given public id.
	Delete(ctx context.Context, publicID string) error
}

// objectKey returns a collision-free key that keeps the original extension.
func objectKey(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return "documents/" + uuid.NewString() + ext
}
