// Package blob stores uploaded card images in MinIO (or any S3-compatible
// store) and returns the URL they are served from.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectClient is the subset of *minio.Client the store uses.
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// Config configures the store.
type Config struct {
	EndpointURL     string // e.g. http://localhost:9000
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	// PublicURL is the base images are served from. Defaults to EndpointURL.
	PublicURL string
}

// Store writes images to a single bucket.
type Store struct {
	client    objectClient
	bucket    string
	region    string
	publicURL string
}

// New creates a MinIO-backed Store.
func New(cfg Config) (*Store, error) {
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("blob: invalid endpoint URL: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create minio client: %w", err)
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = cfg.EndpointURL
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a Store on an existing client.
func NewWithClient(client objectClient, cfg Config) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob: bucket exists %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("blob: make bucket %s: %w", s.bucket, err)
	}
	return nil
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Put uploads data under a fresh key and returns its URL.
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := "cards/" + uuid.NewString() + extensions[contentType]
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("blob: put %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL returns the public URL of key.
func (s *Store) URL(key string) string {
	return s.publicURL + "/" + s.bucket + "/" + key
}

// Remove deletes the object behind a URL returned by Put.
func (s *Store) Remove(ctx context.Context, objectURL string) error {
	key, ok := strings.CutPrefix(objectURL, s.publicURL+"/"+s.bucket+"/")
	if !ok {
		return fmt.Errorf("blob: %q is not in bucket %s", objectURL, s.bucket)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

var _ objectClient = (*minio.Client)(nil)
