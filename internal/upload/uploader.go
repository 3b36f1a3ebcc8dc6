// Package upload moves listing images off the device: directly to an
// S3-compatible bucket when one is configured, through the marketplace API
// otherwise. Queue processing uses it to replace local image URIs with
// server URLs before the main operation call.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/marketplace"
)

// ErrNotConfigured is returned when bucket storage is not configured.
var ErrNotConfigured = errors.New("image storage not configured")

// DefaultBucket is the conventional container for marketplace images.
const DefaultBucket = "marketplace-images"

// Uploader uploads image bytes and returns the URL they will be served from.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// objectStore defines the minimal minio.Client operations used by
// BucketUploader. This interface enables testing with mock implementations.
type objectStore interface {
	PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error
	ObjectURL(bucket, objectName string) string
}

// minioClientWrapper wraps *minio.Client to satisfy the objectStore
// interface; minio methods take concrete option types our interface hides.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), opts)
	return err
}

func (w *minioClientWrapper) ObjectURL(bucket, objectName string) string {
	u := *w.client.EndpointURL()
	u.Path = "/" + bucket + "/" + objectName
	return u.String()
}

// BucketUploader uploads images straight to S3-compatible storage.
type BucketUploader struct {
	client  objectStore
	bucket  string
	timeout time.Duration
}

// Upload stores the image under a fresh ULID-based object name and returns
// its URL.
func (u *BucketUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if u.bucket == "" {
		return "", ErrNotConfigured
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	objectName := ulid.Make().String() + extensionFor(contentType)
	if err := u.client.PutObject(ctx, u.bucket, objectName, data, contentType); err != nil {
		return "", fmt.Errorf("upload image to bucket: %w", err)
	}

	return u.client.ObjectURL(u.bucket, objectName), nil
}

// APIUploader uploads images through the marketplace API.
type APIUploader struct {
	client marketplace.Client
}

// Upload delegates to the API's image endpoint.
func (u *APIUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	url, err := u.client.UploadImage(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("upload image via API: %w", err)
	}
	return url, nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns APIUploader when no bucket is configured, BucketUploader otherwise.
func NewUploader(cfg config.UploadsConfig, client marketplace.Client) (Uploader, error) {
	if cfg.Bucket == "" {
		return &APIUploader{client: client}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket client: %w", err)
	}

	return &BucketUploader{
		client:  &minioClientWrapper{client: mc},
		bucket:  cfg.Bucket,
		timeout: time.Duration(cfg.Timeout),
	}, nil
}

// localURIPrefixes identify device-local image references that must be
// uploaded before an operation is sent.
var localURIPrefixes = []string{
	"file://",
	"content://",
	"ph://",
	"assets-library://",
}

// IsLocalURI reports whether s references a device-local file rather than a
// server URL. Server URLs (http/https) are never re-uploaded.
func IsLocalURI(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return false
	}
	for _, p := range localURIPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	// Bare absolute paths come from image pickers on some platforms.
	return strings.HasPrefix(s, "/")
}

// extensionFor maps a content type to an object name extension.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
