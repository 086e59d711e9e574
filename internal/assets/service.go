// Package assets stores uploaded node attachments in S3-compatible object
// storage.
package assets

import (
	"context"
	"fmt"
	"io"
	"time"

	"dropz/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Upload stores one asset under the planet's prefix and returns its object
// key. Keys are random so uploads never collide or overwrite.
func (s *Service) Upload(ctx context.Context, planetSlug, filename, contentType string, size int64, body io.Reader) (string, error) {
	key := fmt.Sprintf("%s/%s/%s", planetSlug, util.NewID("asset"), filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("store asset %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL mints a temporary download link for an asset key.
func (s *Service) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign asset %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes an asset.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete asset %s: %w", key, err)
	}
	return nil
}
