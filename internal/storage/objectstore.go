/**
 * Object storage pass-through
 *
 * Source pages and HTR exports are referenced by URL:
 * - s3://bucket/key (MinIO / S3 compatible)
 * - http(s)://...
 * - file:///path for local runs
 */

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxObjectSize bounds a single fetched page
const maxObjectSize = 256 << 20

// ObjectStoreConfig configures the MinIO client. An empty endpoint disables s3:// refs.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore fetches page sources and stores export artifacts
type ObjectStore struct {
	client     *minio.Client
	bucket     string
	httpClient *http.Client
}

// NewObjectStore creates the store, verifying the bucket when MinIO is configured
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	store := &ObjectStore{
		bucket:     cfg.Bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	if cfg.Endpoint == "" {
		return store, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	store.client = client
	return store, nil
}

// Fetch reads the object behind ref
func (s *ObjectStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid object reference %q: %w", ref, err)
	}

	switch u.Scheme {
	case "s3":
		return s.fetchObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return s.fetchHTTP(ctx, ref)
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = ref
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported object reference scheme %q", u.Scheme)
	}
}

func (s *ObjectStore) fetchObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.client == nil {
		return nil, fmt.Errorf("object storage is not configured (ref s3://%s/%s)", bucket, key)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *ObjectStore) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	return data, nil
}

// PutArtifact stores an export under jobs/{jobID}/page-{n}/{name} and returns its s3:// ref
func (s *ObjectStore) PutArtifact(ctx context.Context, jobID string, pageNumber int, name string, data []byte, contentType string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("object storage is not configured")
	}

	objectName := ArtifactKey(jobID, pageNumber, name)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, objectName), nil
}

// PresignedURL returns a time-limited http URL for an s3:// ref
func (s *ObjectStore) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("object storage is not configured")
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" {
		return "", fmt.Errorf("not an s3 reference: %q", ref)
	}

	signed, err := s.client.PresignedGetObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return signed.String(), nil
}

// Enabled reports whether s3:// refs can be served
func (s *ObjectStore) Enabled() bool {
	return s.client != nil
}

// ArtifactKey builds the object name of a page export
func ArtifactKey(jobID string, pageNumber int, name string) string {
	return fmt.Sprintf("jobs/%s/page-%04d/%s", jobID, pageNumber, name)
}
