package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketConfig locates an S3-compatible bucket.
type BucketConfig struct {
	Endpoint  string // host[:port], no scheme
	Bucket    string
	Prefix    string // optional object key prefix
	AccessKey string
	SecretKey string
	Secure    bool
}

// Bucket archives batches as objects via the MinIO client.
type Bucket struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Archiver = (*Bucket)(nil)

// NewBucket creates a client for cfg. No request is made until Archive.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("archive bucket: %w", err)
	}
	return &Bucket{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads the batch and returns its s3:// location.
func (b *Bucket) Archive(ctx context.Context, batch Batch) (string, error) {
	data, err := Encode(batch)
	if err != nil {
		return "", err
	}
	key := b.prefix + Name(batch.PurgedAt)

	_, err = b.client.PutObject(
		ctx,
		b.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/x-ndjson",
		},
	)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", b.bucket, key, err)
	}
	return "s3://" + b.bucket + "/" + key, nil
}
