package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	// root is the absolute directory objects are written under.
	root string
}

// NewLocalStore creates root if needed and returns a LocalStore over it.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("blob: create %s: %w", abs, err)
	}
	return &LocalStore{root: abs}, nil
}

// Put writes data to a new file.
func (s *LocalStore) Put(ctx context.Context, name, _ string, data []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	key := objectKey(name)
	path, err := s.resolve(key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Object{}, fmt.Errorf("blob: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return Object{}, fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Object{}, fmt.Errorf("blob: rename %s: %w", key, err)
	}
	return Object{PublicID: key, URL: (&url.URL{Scheme: "file", Path: path}).String()}, nil
}

// Fetch reads a file:// URL produced by Put.
func (s *LocalStore) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("blob: unsupported url %q", rawURL)
	}
	rel, err := filepath.Rel(s.root, filepath.Clean(u.Path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("blob: url %q is outside the store", rawURL)
	}
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", rel, err)
	}
	return data, nil
}

// Delete removes the file for publicID. A missing file is not an error.
func (s *LocalStore) Delete(_ context.Context, publicID string) error {
	path, err := s.resolve(publicID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", publicID, err)
	}
	return nil
}

// resolve maps a key to a path, rejecting keys that escape the root.
func (s *LocalStore) resolve(key string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return path, nil
}
