// Package objectstore uploads staged files to the single shared bucket the
// indexing service imports from. Any S3-compatible endpoint works, including
// GCS interoperability mode and MinIO.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentTypeNDJSON = "application/x-ndjson"

// Config holds the endpoint, credentials and bucket layout.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Bucket          string
	Prefix          string
	LocatorScheme   string
	Transport       http.RoundTripper
}

// Uploader puts staged files into the bucket.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	scheme string
	logger *slog.Logger
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}
	if endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
		MaxRetries:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	scheme := cfg.LocatorScheme
	if scheme == "" {
		scheme = "gs"
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		scheme: scheme,
		logger: slog.Default().With("component", "objectstore"),
	}, nil
}

// ObjectName returns the key a file lands under: {prefix/}{tenant}/{name}.
// The tenant segment is path-escaped, so distinct tenant keys never share an
// object and no key can leave the prefix.
func (u *Uploader) ObjectName(tenantPrefix, destinationName string) string {
	parts := make([]string, 0, 3)
	if u.prefix != "" {
		parts = append(parts, u.prefix)
	}
	parts = append(parts, TenantSegment(tenantPrefix), destinationName)
	return strings.Join(parts, "/")
}

// TenantSegment encodes a tenant key as a single object-name segment.
func TenantSegment(tenantKey string) string {
	switch tenantKey {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(tenantKey)
}

// Upload puts the file at localPath under tenantPrefix/destinationName and
// returns its locator, e.g. gs://bucket/u1/documents.jsonl. An existing
// object with the same name is overwritten.
func (u *Uploader) Upload(ctx context.Context, localPath, destinationName, tenantPrefix string) (string, error) {
	if tenantPrefix == "" {
		return "", apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "tenant prefix is required")
	}
	object := u.ObjectName(tenantPrefix, destinationName)
	info, err := u.client.FPutObject(ctx, u.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentTypeNDJSON,
	})
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrUpload, http.StatusBadGateway,
			"uploading %s to %s/%s: %s", localPath, u.bucket, object, describe(err))
	}
	locator := fmt.Sprintf("%s://%s/%s", u.scheme, u.bucket, object)
	u.logger.Info("staged file uploaded",
		"locator", locator,
		"bytes", info.Size,
		"etag", info.ETag,
	)
	return locator, nil
}

// Ping checks the bucket is reachable and exists.
func (u *Uploader) Ping(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %s", u.bucket, describe(err))
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", u.bucket)
	}
	return nil
}

func describe(err error) string {
	resp := minio.ToErrorResponse(err)
	if resp.Code != "" {
		return fmt.Sprintf("%s (%s)", resp.Message, resp.Code)
	}
	return err.Error()
}
