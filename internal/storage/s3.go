package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/ocrworker/internal/config"
)

// S3Client wraps the AWS S3 client for reading input images.
type S3Client struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucketName string
}

// NewS3Client creates an S3 client from the storage config. A custom
// endpoint (MinIO, R2) switches to path-style addressing.
func NewS3Client(ctx context.Context, conf cfgpkg.StorageConfig) (*S3Client, error) {
	opts := []func(*awscfg.LoadOptions) error{}
	if conf.Region != "" {
		opts = append(opts, awscfg.WithRegion(conf.Region))
	}
	if conf.AccessKey != "" && conf.SecretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:     cli,
		downloader: manager.NewDownloader(cli),
		bucketName: conf.Bucket,
	}, nil
}

// DownloadObject reads a whole object into memory.
func (s *S3Client) DownloadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = s.bucketName
	}
	if bucket == "" {
		return nil, fmt.Errorf("no bucket for key %q", key)
	}
	buf := manager.NewWriteAtBuffer(nil)
	n, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int64("size", n).
		Msg("downloaded image from S3")

	return buf.Bytes(), nil
}

// HeadBucket checks that the default bucket is reachable.
func (s *S3Client) HeadBucket(ctx context.Context) error {
	if s.bucketName == "" {
		return fmt.Errorf("bucket not configured")
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// ParseS3URL splits s3://bucket/key. An empty bucket ("s3:///key") selects
// the default bucket.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url %q has no object key", raw)
	}
	return u.Host, key, nil
}
