package backend

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"context"

	"github.com/enginekit/substrate/pkg/models"
)

// filesystemObjectStore keeps blobs under a root directory. Lab-only: the
// class guard never lets this serve sellable traffic. Content type rides in
// a sidecar file next to the blob.
type filesystemObjectStore struct {
	root string
}

func newFilesystemObjectStore(config map[string]string, scopePath string) (*filesystemObjectStore, error) {
	root := config["root"]
	if root == "" {
		root = filepath.Join("var", "objects")
	}
	root = filepath.Join(root, scopePath)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &filesystemObjectStore{root: root}, nil
}

// keyPath flattens the store key into a safe relative path.
func (s *filesystemObjectStore) keyPath(key string) string {
	cleaned := strings.ReplaceAll(key, "..", "")
	return filepath.Join(s.root, filepath.FromSlash(cleaned))
}

func (s *filesystemObjectStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := os.WriteFile(path+".ctype", []byte(contentType), 0o644); err != nil {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return nil
}

func (s *filesystemObjectStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	path := s.keyPath(key)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", models.ErrNotFound("object_store", key)
	}
	if err != nil {
		return nil, "", models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	contentType := "application/octet-stream"
	if ct, err := os.ReadFile(path + ".ctype"); err == nil {
		contentType = string(ct)
	}
	return content, contentType, nil
}

func (s *filesystemObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	return true, nil
}

// List walks the store root and pages the keys in lexical order. WalkDir
// already visits in sorted order, so the cursor is just the last key of the
// previous page.
func (s *filesystemObjectStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = 100
	}
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".ctype") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || key <= cursor {
			return nil
		}
		keys = append(keys, key)
		if len(keys) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, "", models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	next := ""
	if len(keys) == limit {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (s *filesystemObjectStore) Delete(ctx context.Context, key string) error {
	path := s.keyPath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.ErrBackendUnavailable(models.KindObjectStore, err)
	}
	_ = os.Remove(path + ".ctype")
	return nil
}
