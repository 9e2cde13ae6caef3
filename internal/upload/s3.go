package upload

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used for uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend writes objects straight to a bucket.
type S3Backend struct {
	client S3API
	bucket string
	region string
}

// NewS3Backend creates a backend using client.
func NewS3Backend(client S3API, bucket, region string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, region: region}
}

// NewS3BackendFromEnv loads AWS credentials from the default chain.
func NewS3BackendFromEnv(ctx context.Context, bucket, region string) (*S3Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Backend(s3.NewFromConfig(cfg), bucket, region), nil
}

func (b *S3Backend) Store(ctx context.Context, obj Object) (Stored, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(obj.ContentType),
	})
	if err != nil {
		return Stored{}, fmt.Errorf("failed to upload to S3: %w", err)
	}
	return Stored{URL: PublicURL(b.bucket, b.region, obj.Key), Key: obj.Key}, nil
}

// PublicURL is the virtual-hosted URL of an object.
func PublicURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}
