package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Store scopes a backend to a key prefix. Keys given to and returned from a Store
// are relative to that prefix.
type Store struct {
	backend IBlobBackend
	prefix  string
}

func NewStore(backend IBlobBackend, prefix string) *Store {
	return &Store{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
	}
}

// Backend returns the backend the store writes to
func (s *Store) Backend() IBlobBackend {
	return s.backend
}

// Location returns the URL of the store's prefix
func (s *Store) Location() string {
	return s.backend.URL(s.prefix)
}

func (s *Store) fullKey(key string) (string, error) {
	full := JoinKey(s.prefix, key)
	if !ValidateKey(full) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, full)
	}
	return full, nil
}

// Put uploads data under key and returns the object's location
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	full, err := s.fullKey(key)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := s.backend.PutObject(ctx, &PutObjectParams{
		Key:  full,
		Size: int64(len(data)),
		Body: bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", s.backend.URL(full), err)
	}

	slog.Debug("blob put", "key", resp.Key, "etag", resp.ETag, "took", time.Since(start))
	return s.backend.URL(full), nil
}

// Get downloads the object stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := s.fullKey(key)
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.GetObject(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.backend.URL(full), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.backend.URL(full), err)
	}
	return data, nil
}

// List returns the objects whose relative key starts with prefix
func (s *Store) List(ctx context.Context, prefix string) ([]*BlobInfo, error) {
	base := s.prefix
	if base != "" {
		base += "/"
	}

	objects, err := s.backend.ListObjects(ctx, base+prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.Location(), err)
	}

	result := make([]*BlobInfo, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, base)
		if rel == "" {
			continue
		}
		cp := *obj
		cp.Key = rel
		result = append(result, &cp)
	}
	return result, nil
}
