package blob

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/dirsync/internal/utils"
)

// LocalBackend stores objects as plain files below a base directory.
// It backs file:// remote roots and is handy for shared network mounts.
type LocalBackend struct {
	baseDir string
}

func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	dir, err := utils.ResolvePath(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve local backend dir: %w", err)
	}
	return &LocalBackend{baseDir: dir}, nil
}

func (l *LocalBackend) objectPath(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key))
}

func (l *LocalBackend) GetObject(_ context.Context, key string) (*GetObjectResponse, error) {
	path := l.objectPath(key)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, l.URL(key))
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	etag, err := utils.FileHash(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &GetObjectResponse{
		Body:         f,
		ETag:         etag,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (l *LocalBackend) PutObject(_ context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	path := l.objectPath(params.Key)
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}

	// write to a sibling temp file so readers never observe a partial object
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), params.Body)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write object %q: %w", params.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("commit object %q: %w", params.Key, err)
	}

	return &PutObjectResponse{
		Key:          params.Key,
		ETag:         fmt.Sprintf("%x", h.Sum(nil)),
		Size:         n,
		LastModified: time.Now().UTC(),
	}, nil
}

func (l *LocalBackend) DeleteObject(_ context.Context, key string) (bool, error) {
	if err := os.Remove(l.objectPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalBackend) ListObjects(_ context.Context, prefix string) ([]*BlobInfo, error) {
	var objects []*BlobInfo

	if !utils.DirExists(l.baseDir) {
		return objects, nil
	}

	err := filepath.WalkDir(l.baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		objects = append(objects, &BlobInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", l.baseDir, err)
	}

	return objects, nil
}

func (l *LocalBackend) URL(key string) string {
	return "file://" + filepath.ToSlash(l.objectPath(key))
}

var _ IBlobBackend = (*LocalBackend)(nil)
