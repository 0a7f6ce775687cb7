package capture

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3StoreConfig bundles settings for the object-store backend. Endpoint is
// optional; when set it points the client at an S3-compatible service such as
// MinIO.
type S3StoreConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Logger    *zap.Logger
}

// S3Store archives captures in an S3 bucket.
type S3Store struct {
	bucket string
	client *s3.Client
	logger *zap.Logger
}

// NewS3Store constructs the object-store backend.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket required", ErrInvalidStoreConfig)
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("capture: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &S3Store{bucket: bucket, client: client, logger: logger}, nil
}

// Save uploads the image under the key.
func (s *S3Store) Save(ctx context.Context, key string, image []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(image),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("capture: uploading %s: %w", key, err)
	}

	s.logger.Debug("capture uploaded", zap.String("key", key), zap.Int("bytes", len(image)))
	return nil
}

// Delete removes the stored capture object.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("capture: deleting %s: %w", key, err)
	}
	return nil
}
