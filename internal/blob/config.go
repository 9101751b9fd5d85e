package blob

import (
	"fmt"

	"github.com/openmined/dirsync/internal/utils"
)

type S3Config struct {
	BucketName    string `mapstructure:"bucket_name" yaml:"bucket_name"`
	Region        string `mapstructure:"region" yaml:"region"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	UseAccelerate bool   `mapstructure:"use_accelerate" yaml:"use_accelerate,omitempty"`
}

// WithMinioConfig creates a configuration for a Minio bucket
func WithMinioConfig(url, bucketName, accessKey, secretKey string) *S3Config {
	return &S3Config{
		BucketName: bucketName,
		Endpoint:   url,
		Region:     "us-east-1",
		AccessKey:  accessKey,
		SecretKey:  secretKey,
	}
}

// Validate checks the settings needed to talk to a bucket. Static credentials are
// optional, but must be given as a pair.
func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name required")
	}
	if c.Region == "" {
		return fmt.Errorf("region required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		return fmt.Errorf("invalid endpoint URL %q", c.Endpoint)
	}
	return nil
}

// withBucket returns a copy of the config addressing another bucket
func (c *S3Config) withBucket(bucket string) *S3Config {
	cp := *c
	cp.BucketName = bucket
	return &cp
}
