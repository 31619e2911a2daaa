package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
)

// MinIOStoreConfig configures an S3 compatible document store.
type MinIOStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// ServerSideEncryption requests SSE-S3 on every object.
	ServerSideEncryption bool
	// EnsureBucket creates the bucket on startup when it is missing.
	EnsureBucket bool
	Clock        func() time.Time
}

// MinIOStore writes documents through minio-go and presigns GET URLs locally.
type MinIOStore struct {
	client *minio.Client
	bucket string
	sse    bool
	now    func() time.Time
}

// NewMinIOStore builds the client and optionally provisions the bucket.
func NewMinIOStore(ctx context.Context, cfg MinIOStoreConfig) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create minio client: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &MinIOStore{
		client: client,
		bucket: bucket,
		sse:    cfg.ServerSideEncryption,
		now:    func() time.Time { return clock().UTC() },
	}
	if cfg.EnsureBucket {
		if err := store.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("storage: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put uploads data under key.
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	key, err := CleanObjectKey(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("storage: refusing to store empty object")
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts := minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: ContentDisposition(key),
		CacheControl:       "private, max-age=0, no-store",
		UserMetadata: map[string]string{
			"Stored-At": s.now().Format(time.RFC3339),
		},
	}
	if s.sse {
		opts.ServerSideEncryption = encrypt.NewSSE()
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Presign returns a presigned GET URL for key valid for ttl.
func (s *MinIOStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	key, err := CleanObjectKey(key)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	if ttl > maxPresignTTL {
		return "", time.Time{}, errExpiryTooLong
	}

	expiresAt := s.now().Add(ttl)
	params := url.Values{}
	params.Set("response-content-disposition", ContentDisposition(key))
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return presigned.String(), expiresAt, nil
}
