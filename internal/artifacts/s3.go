package artifacts

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver archives job artifacts to a single S3 bucket, one object
// per (runID, path) pair.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds an archiver from the process's default AWS
// credential chain (environment, shared config, EC2/ECS instance
// role), scoped to region and bucket.
func NewS3Archiver(ctx context.Context, region, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("artifacts: load AWS config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, runID, path string, content io.Reader) error {
	k := key(runID, path)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &k,
		Body:   content,
	})
	if err != nil {
		return fmt.Errorf("artifacts: put %s: %w", k, err)
	}
	return nil
}

func (a *S3Archiver) Fetch(ctx context.Context, runID, path string) (io.ReadCloser, error) {
	k := key(runID, path)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.bucket,
		Key:    &k,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", k, err)
	}
	return out.Body, nil
}

// NewFromConfig returns a NoopArchiver unless bucket is set, in which
// case it builds an S3Archiver against region/bucket.
func NewFromConfig(ctx context.Context, region, bucket string) (Archiver, error) {
	if bucket == "" {
		return NoopArchiver{}, nil
	}
	return NewS3Archiver(ctx, region, bucket)
}
