// Package coldstore adapts S3 as the source of truth for model bundles and
// raw per-customer measurement series.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	// ErrUnreachable reports that the adapter is unconfigured or the store
	// cannot be reached.
	ErrUnreachable = errors.New("coldstore: unreachable")
	// ErrNotFound reports an absent blob or prefix.
	ErrNotFound = errors.New("coldstore: not found")
)

// Config mirrors the environment the service is deployed with. Endpoint and
// UsePathStyle support S3-compatible stores (MinIO, LocalStack).
type Config struct {
	Region   string
	Endpoint string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	UsePathStyle bool
}

type api interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client is a thin blob-store view of S3: get, list, download. Retry and
// timeout policy stays with the SDK.
type Client struct {
	api api
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrUnreachable, err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &Client{api: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// GetBlob reads one object fully into memory.
func (c *Client) GetBlob(ctx context.Context, bucket, key string) ([]byte, error) {
	if c == nil || c.api == nil {
		return nil, fmt.Errorf("%w: s3 client not configured", ErrUnreachable)
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read s3://%s/%s: %w", ErrUnreachable, bucket, key, err)
	}
	return data, nil
}

// ListKeys returns all object keys under prefix, in listing order.
func (c *Client) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	if c == nil || c.api == nil {
		return nil, fmt.Errorf("%w: s3 client not configured", ErrUnreachable)
	}
	var keys []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("list", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

// Download streams one object to localPath. The caller owns the file and its
// cleanup.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) error {
	if c == nil || c.api == nil {
		return fmt.Errorf("%w: s3 client not configured", ErrUnreachable)
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("download", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: download s3://%s/%s: %w", ErrUnreachable, bucket, key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", localPath, err)
	}
	return nil
}

// StripScheme removes the s3://<bucket>/ prefix a registry path may carry.
func StripScheme(path, bucket string) string {
	return strings.TrimPrefix(path, "s3://"+bucket+"/")
}

func classify(op, bucket, key string, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: s3 %s s3://%s/%s: %w", ErrNotFound, op, bucket, key, err)
	}
	return fmt.Errorf("%w: s3 %s s3://%s/%s: %w", ErrUnreachable, op, bucket, key, err)
}
