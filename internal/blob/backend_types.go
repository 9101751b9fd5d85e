package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid key")
)

// IBlobBackend defines the object operations a storage backend must provide.
// Keys are absolute within the backend (bucket or directory); prefix scoping
// is handled by Store.
type IBlobBackend interface {
	// GetObject retrieves an object by its key. Returns ErrNotFound if the key does not exist.
	GetObject(ctx context.Context, key string) (*GetObjectResponse, error)

	// PutObject uploads a single object, replacing any previous object under the same key
	PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error)

	// DeleteObject removes an object, returns true if successful
	DeleteObject(ctx context.Context, key string) (bool, error)

	// ListObjects returns all objects whose key starts with prefix
	ListObjects(ctx context.Context, prefix string) ([]*BlobInfo, error)

	// URL returns a human readable location for key, e.g. s3://bucket/key
	URL(key string) string
}

// ===================================================================================================

type GetObjectResponse struct {
	Body         io.ReadCloser
	ETag         string
	Size         int64
	LastModified time.Time
}

// ===================================================================================================

type PutObjectParams struct {
	Key  string
	Size int64
	Body io.Reader
}

type PutObjectResponse struct {
	Key          string
	Version      string
	ETag         string
	Size         int64
	LastModified time.Time
}

// ===================================================================================================

type BlobInfo struct {
	Key          string `json:"key"`
	ETag         string `json:"etag"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
}
