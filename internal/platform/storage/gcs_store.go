// Package storage persists issued stamp documents in object storage and hands out
// time-limited retrieval URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultPresignTTL = 15 * time.Minute
	// V4 signatures are rejected by Cloud Storage beyond seven days.
	maxPresignTTL = 7 * 24 * time.Hour
)

var (
	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// GCSStoreConfig configures a Cloud Storage backed document store.
type GCSStoreConfig struct {
	Client *gcs.Client
	Bucket string
	Signer Signer
	// KMSKeyName encrypts objects with a customer managed key when set. Without it the bucket's
	// default Google managed encryption applies.
	KMSKeyName string
	Clock      func() time.Time
}

type objectWriterFactory func(ctx context.Context, bucket, key, contentType, kmsKey string) io.WriteCloser

// GCSStore writes documents to a bucket and signs V4 GET URLs for them.
type GCSStore struct {
	bucket    string
	kmsKey    string
	signer    Signer
	now       func() time.Time
	newWriter objectWriterFactory
}

// NewGCSStore validates the configuration and constructs the store.
func NewGCSStore(cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("storage: gcs client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if cfg.Signer == nil || strings.TrimSpace(cfg.Signer.Email()) == "" {
		return nil, errNoSigner
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	client := cfg.Client
	return &GCSStore{
		bucket: bucket,
		kmsKey: strings.TrimSpace(cfg.KMSKeyName),
		signer: cfg.Signer,
		now:    func() time.Time { return clock().UTC() },
		newWriter: func(ctx context.Context, bucket, key, contentType, kmsKey string) io.WriteCloser {
			w := client.Bucket(bucket).Object(key).NewWriter(ctx)
			w.ContentType = contentType
			w.ContentDisposition = ContentDisposition(key)
			w.CacheControl = "private, max-age=0, no-store"
			if kmsKey != "" {
				w.KMSKeyName = kmsKey
			}
			return w
		},
	}, nil
}

// Put uploads data under key. The write is committed only when the writer closes cleanly.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
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

	w := s.newWriter(ctx, s.bucket, key, contentType, s.kmsKey)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: commit %s: %w", key, err)
	}
	return nil
}

// Presign returns a V4 signed GET URL for key valid for ttl.
func (s *GCSStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
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
	opts := &gcs.SignedURLOptions{
		GoogleAccessID: s.signer.Email(),
		Scheme:         gcs.SigningSchemeV4,
		Method:         "GET",
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		},
		QueryParameters: url.Values{
			"response-content-disposition": []string{ContentDisposition(key)},
		},
	}
	signed, err := gcs.SignedURL(s.bucket, key, opts)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return signed, expiresAt, nil
}
