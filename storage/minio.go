// Package storage provides object storage access for video assets,
// frames and thumbnails.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/framelens/asset-training-backend/logger"
)

// ObjectStore is the storage surface the pipelines depend on
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys []string) (int, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MinIOClient wraps MinIO client with bucket management
type MinIOClient struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// NewMinIOClient creates a MinIO client and ensures the bucket exists
func NewMinIOClient(ctx context.Context, cfg MinIOConfig, log *logger.Logger) (*MinIOClient, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	m := &MinIOClient{
		client: minioClient,
		bucket: cfg.Bucket,
		log:    log.With("service", "MinIOStore"),
	}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}

	m.log.Info("MinIO client initialized", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return m, nil
}

// ensureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		m.log.Info("creating MinIO bucket", "bucket", m.bucket)
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Put uploads an object under the given key
func (m *MinIOClient) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return nil
}

// Get retrieves an object's bytes
func (m *MinIOClient) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a single object
func (m *MinIOClient) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// DeleteBatch removes a set of objects and returns how many succeeded.
// Individual failures are logged and skipped.
func (m *MinIOClient) DeleteBatch(ctx context.Context, keys []string) (int, error) {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objectsCh <- minio.ObjectInfo{Key: key}
	}
	close(objectsCh)

	failed := 0
	for rmErr := range m.client.RemoveObjects(ctx, m.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rmErr.Err != nil {
			m.log.Warn("failed to delete object", "key", rmErr.ObjectName, "error", rmErr.Err)
			failed++
		}
	}
	return len(keys) - failed, nil
}

// PresignedURL returns a time-limited download URL for an object
func (m *MinIOClient) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return u.String(), nil
}
