package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client the sink uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Sink stores objects in a bucket under a key prefix.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink wraps an existing client.
func NewS3Sink(client S3API, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// OpenS3Sink builds a client from the default AWS configuration chain
// (environment, shared config, instance role).
func OpenS3Sink(ctx context.Context, bucket, prefix, region string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Sink(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Sink) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(name)),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
	})
	return err
}

// Get implements Sink.
func (s *S3Sink) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
