package archive

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

const htmlContentType = "text/html; charset=utf-8"

// GCS writes documents to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS wraps an existing client. The caller owns the client's lifecycle
// unless it came from Connect.
func NewGCS(client *storage.Client, bucket string) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Connect builds a client using application default credentials and fails
// fast when the bucket is missing or unreadable.
func Connect(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("verify gcs bucket %q: %w", bucket, err)
	}
	return NewGCS(client, bucket)
}

// Put uploads data under key and returns a gs:// URI. Close must be called
// on the writer to finalize the upload, so its error is the upload error.
func (g *GCS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is required")
	}
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = htmlContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
