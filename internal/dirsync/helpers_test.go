package dirsync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openmined/dirsync/internal/blob"
	"github.com/stretchr/testify/require"
)

// writeTree creates files below root, keyed by slash separated relative path
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// readTree returns the regular files below root, keyed by slash separated relative path
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func newLocalStore(t *testing.T) *blob.Store {
	t.Helper()
	backend, err := blob.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return blob.NewStore(backend, "")
}

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory RemoteStore that records every put and can be told to fail
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	failPut int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut > 0 {
		s.failPut--
		return "", errStoreDown
	}
	s.objects[key] = bytes.Clone(data)
	s.puts = append(s.puts, key)
	return "mem://" + key, nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]*blob.BlobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []*blob.BlobInfo
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, &blob.BlobInfo{Key: key, Size: int64(len(data))})
		}
	}
	return infos, nil
}

func (s *memStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *memStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = n
}

func (s *memStore) object(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

var _ RemoteStore = (*memStore)(nil)
