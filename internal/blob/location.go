package blob

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

const (
	SchemeS3    = "s3"
	SchemeFile  = "file"
	SchemeMinio = "minio"
)

// RemoteURL is a parsed remote location.
// A location without a scheme is a bare key prefix inside the configured bucket.
type RemoteURL struct {
	Scheme   string
	Bucket   string
	Prefix   string
	Path     string
	Endpoint string
}

// ParseRemoteURL parses s3://bucket/prefix, minio://host:port/bucket/prefix,
// file:///some/dir or a bare prefix
func ParseRemoteURL(raw string) (*RemoteURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty remote location")
	}

	if !strings.Contains(raw, "://") {
		return &RemoteURL{Prefix: strings.Trim(raw, "/")}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse remote location %q: %w", raw, err)
	}

	switch u.Scheme {
	case SchemeS3:
		if u.Host == "" {
			return nil, fmt.Errorf("remote location %q: missing bucket", raw)
		}
		return &RemoteURL{
			Scheme: SchemeS3,
			Bucket: u.Host,
			Prefix: strings.Trim(u.Path, "/"),
		}, nil
	case SchemeMinio:
		if u.Host == "" {
			return nil, fmt.Errorf("remote location %q: missing endpoint", raw)
		}
		bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("remote location %q: missing bucket", raw)
		}
		return &RemoteURL{
			Scheme:   SchemeMinio,
			Bucket:   bucket,
			Prefix:   prefix,
			Endpoint: "http://" + u.Host,
		}, nil
	case SchemeFile:
		p := u.Path
		if u.Host != "" {
			// file://relative/dir
			p = u.Host + u.Path
		}
		if p == "" {
			return nil, fmt.Errorf("remote location %q: missing path", raw)
		}
		return &RemoteURL{
			Scheme: SchemeFile,
			Path:   filepath.FromSlash(p),
		}, nil
	default:
		return nil, fmt.Errorf("remote location %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// NewStoreForLocation builds a Store for a resolved remote location.
// s3 locations override the configured bucket, bare prefixes use it as is.
// minio locations carry their own endpoint and bucket and only take the
// credentials from cfg, which may be nil.
func NewStoreForLocation(ctx context.Context, cfg *S3Config, location string) (*Store, error) {
	remote, err := ParseRemoteURL(location)
	if err != nil {
		return nil, err
	}

	switch remote.Scheme {
	case SchemeFile:
		backend, err := NewLocalBackend(remote.Path)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, ""), nil
	case SchemeMinio:
		var accessKey, secretKey string
		if cfg != nil {
			accessKey, secretKey = cfg.AccessKey, cfg.SecretKey
		}
		return newS3Store(ctx, WithMinioConfig(remote.Endpoint, remote.Bucket, accessKey, secretKey), remote.Prefix)
	}

	if cfg == nil {
		return nil, fmt.Errorf("blob config required for %q", location)
	}

	s3cfg := cfg
	if remote.Bucket != "" {
		s3cfg = cfg.withBucket(remote.Bucket)
	}
	return newS3Store(ctx, s3cfg, remote.Prefix)
}

func newS3Store(ctx context.Context, cfg *S3Config, prefix string) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("blob config: %w", err)
	}

	backend, err := NewS3BackendWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, prefix), nil
}
