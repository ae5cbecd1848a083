package instances

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/canonical/chopsticks/errs"
)

// S3Config configures an S3-compatible driver.
type S3Config struct {
	// Name is reported as the driver name; "s3" when empty.
	Name string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO or Ceph RGW.
	Endpoint string
	Region   string
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string
	SecretKey string
	Bucket    string
	PathStyle bool
}

// S3Driver talks to any S3-compatible endpoint.
type S3Driver struct {
	client   *s3.Client
	name     string
	bucket   string
	endpoint string
}

// NewS3Driver loads the AWS configuration and builds the client.
func NewS3Driver(ctx context.Context, cfg S3Config) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.KindConfig, "instances.s3", "bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Name == "" {
		cfg.Name = "s3"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "instances.s3", "loading AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	}
	return &S3Driver{
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		name:     cfg.Name,
		bucket:   cfg.Bucket,
		endpoint: endpoint,
	}, nil
}

func (d *S3Driver) Name() string     { return d.name }
func (d *S3Driver) Endpoint() string { return d.endpoint }

// Upload stores data under key.
func (d *S3Driver) Upload(ctx context.Context, key string, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Download reads the whole object.
func (d *S3Driver) Download(ctx context.Context, key string) ([]byte, error) {
	return d.get(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
}

// DownloadRange reads a byte range of the object.
func (d *S3Driver) DownloadRange(ctx context.Context, key string, start, length int64) ([]byte, error) {
	return d.get(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader(start, length)),
	})
}

func (d *S3Driver) get(ctx context.Context, input *s3.GetObjectInput) ([]byte, error) {
	result, err := d.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return body, nil
}

// Head returns the size of the object.
func (d *S3Driver) Head(ctx context.Context, key string) (int64, error) {
	result, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to head object: %w", err)
	}
	return aws.ToInt64(result.ContentLength), nil
}

// Delete removes the object. Deleting a missing key succeeds, as in S3.
func (d *S3Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List returns up to max keys under prefix.
func (d *S3Driver) List(ctx context.Context, prefix string, max int) ([]string, error) {
	if max <= 0 {
		max = 1000
	}
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.bucket),
		MaxKeys: aws.Int32(int32(max)),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(d.client, input)
	for paginator.HasMorePages() && len(keys) < max {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) > max {
		keys = keys[:max]
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
