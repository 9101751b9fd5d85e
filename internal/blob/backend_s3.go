package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Backend struct {
	s3Client *s3.Client
	config   *S3Config
}

func NewS3Backend(s3Client *s3.Client, config *S3Config) *S3Backend {
	return &S3Backend{
		s3Client: s3Client,
		config:   config,
	}
}

func NewS3BackendWithConfig(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	// archives are pushed in one request, so allow for slow uplinks
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 10 * time.Minute,
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	// fall back to the default credential chain (env, shared config, IMDS) when no static keys are set
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Backend(awsClient, cfg), nil
}

// ===================================================================================================

func (s *S3Backend) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:       &s.config.BucketName,
		Key:          &key,
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.URL(key))
		}
		return nil, err
	}

	return &GetObjectResponse{
		Body:         resp.Body,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// ===================================================================================================

func (s *S3Backend) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	resp, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.config.BucketName,
		Key:           &params.Key,
		Body:          params.Body,
		ContentLength: aws.Int64(params.Size),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return nil, err
	}

	// s3.PutObjectOutput does not have LastModified
	return &PutObjectResponse{
		Key:          params.Key,
		Size:         params.Size,
		Version:      aws.ToString(resp.VersionId),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		LastModified: time.Now().UTC(),
	}, nil
}

// ===================================================================================================

func (s *S3Backend) DeleteObject(ctx context.Context, key string) (bool, error) {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ===================================================================================================

func (s *S3Backend) ListObjects(ctx context.Context, prefix string) ([]*BlobInfo, error) {
	var objects []*BlobInfo

	input := &s3.ListObjectsV2Input{
		Bucket: &s.config.BucketName,
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			objects = append(objects, &BlobInfo{
				Key:          aws.ToString(obj.Key),
				ETag:         strings.ReplaceAll(aws.ToString(obj.ETag), "\"", ""),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified).Format(time.RFC3339),
			})
		}
	}

	return objects, nil
}

// ===================================================================================================

func (s *S3Backend) URL(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.config.BucketName, key)
}

var _ IBlobBackend = (*S3Backend)(nil)
