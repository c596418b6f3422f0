package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store backs the object contract with any S3-compatible endpoint. The
// version token is the remote ETag. S3 has no native compare-and-swap put,
// so the conditional check is a stat-compare-put; the strict exactly-one
// -winner guarantee is provided by the file and memory backends.
type S3Store struct {
	client *minio.Client
	bucket string
}

// S3Config selects an S3-compatible endpoint and bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// NewS3Store connects to an S3-compatible endpoint and verifies the bucket
// is reachable.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: probe bucket %s: %v", ErrBackendUnavailable, cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrNotFound
	}
	if resp.StatusCode == 404 {
		return ErrNotFound
	}
	if resp.Code == "" {
		// No S3 error envelope: transport-level failure.
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, Version, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s.mapError(err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", s.mapError(err)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, "", s.mapError(err)
	}
	return data, Version(info.ETag), nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	if expected != "" {
		info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		exists := err == nil
		if err != nil {
			if mapped := s.mapError(err); mapped != ErrNotFound {
				return "", mapped
			}
		}
		if cerr := checkExpected(expected, Version(info.ETag), exists); cerr != nil {
			return "", cerr
		}
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", s.mapError(err)
	}
	return Version(info.ETag), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	// S3 deletes are idempotent; stat first to honor the contract.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.mapError(err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix, token string, max int) ([]string, string, error) {
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: token,
	}

	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, opts) {
		if info.Err != nil {
			return nil, "", s.mapError(info.Err)
		}
		keys = append(keys, info.Key)
		if max > 0 && len(keys) == max {
			return keys, info.Key, nil
		}
	}
	return keys, "", nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if mapped := s.mapError(err); mapped == ErrNotFound {
		return false, nil
	} else {
		return false, mapped
	}
}
