// Package gcs provides an archive backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// Archive writes gzip-compressed payloads to a configured GCS bucket.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ harvest.Archive = (*Archive)(nil)

// NewClient builds a storage client from a service-account file, or from
// application default credentials when the file is empty. Failures wrap
// harvest.ErrNoArchiveCredentials so callers can fall back to skipping uploads.
func NewClient(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*storage.Client, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create storage client: %v", harvest.ErrNoArchiveCredentials, err)
	}
	return client, nil
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectPath returns where a payload is stored inside the bucket.
func (a *Archive) ObjectPath(identifier string, meta harvest.ArchiveMetadata) string {
	endpoint := meta.Endpoint
	if endpoint == "" {
		endpoint = "unknown"
	}
	return path.Join(a.prefix, endpoint, meta.SourceDate, identifier+".json.gz")
}

// Upload writes the already-compressed payload and returns a gs:// URI.
func (a *Archive) Upload(ctx context.Context, identifier string, payload []byte, meta harvest.ArchiveMetadata) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("identifier is required")
	}
	objectPath := a.ObjectPath(identifier, meta)
	writer := a.client.Bucket(a.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.ContentEncoding = "gzip"
	writer.Metadata = map[string]string{
		"checksum":    meta.Checksum,
		"source_date": meta.SourceDate,
		"endpoint":    meta.Endpoint,
	}
	if _, err := io.Copy(writer, bytes.NewReader(payload)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, objectPath), nil
}

// Close releases the underlying client.
func (a *Archive) Close() error {
	return a.client.Close()
}
