// Package objectstore keeps uploaded X-ray images in S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/drfirst/radportal/internal/domain/report"
)

// Config selects the bucket and, for S3-compatible services such as MinIO,
// the endpoint and static credentials.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// MaxImageBytes bounds reads; larger objects are rejected.
	MaxImageBytes int64
}

// NewClient builds an S3 client. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ImageStore implements report.ImageStore on a bucket. Objects are written
// once; a second write of the same key fails.
type ImageStore struct {
	client   *s3.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// NewImageStore wraps an S3 client.
func NewImageStore(client *s3.Client, cfg Config) (*ImageStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &ImageStore{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		maxBytes: maxBytes,
	}, nil
}

var _ report.ImageStore = (*ImageStore)(nil)

func (s *ImageStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// PutImage implements report.ImageStore. Objects are written once: keys are
// content addressed, so a put onto an existing key leaves the stored object
// untouched and succeeds.
func (s *ImageStore) PutImage(ctx context.Context, key, contentType string, data []byte) error {
	if key == "" {
		return fmt.Errorf("s3 upload: empty key")
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		IfNoneMatch:   aws.String("*"),
		ACL:           types.ObjectCannedACLPrivate,
	})
	if err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("s3 upload %q: %w", key, err)
	}
	return nil
}

// GetImage implements report.ImageStore.
func (s *ImageStore) GetImage(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || statusCode(err) == http.StatusNotFound {
			return nil, report.ErrNotFound
		}
		return nil, fmt.Errorf("s3 download %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("s3 download %q: %w", key, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("s3 download %q: object exceeds %d bytes", key, s.maxBytes)
	}
	return data, nil
}

// Ping checks the bucket is reachable.
func (s *ImageStore) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 head bucket: %w", err)
	}
	return nil
}

func statusCode(err error) int {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
