package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBackend keeps state objects in a Google Cloud Storage bucket. An object
// only becomes visible once its writer is closed, so writes are atomic.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend creates a storage client and returns a backend for
// gs://bucket/prefix. Without options the client uses Application Default
// Credentials.
func NewGCSBackend(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSBackend, error) {
	if bucket == "" {
		return nil, errors.New("NewGCSBackend: bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSBackend: create storage client: %w", err)
	}
	return &GCSBackend{client: client, bucket: bucket, prefix: prefix}, nil
}

// Close closes the storage client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func (b *GCSBackend) objectName(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

func (b *GCSBackend) Read(ctx context.Context, name string) ([]byte, error) {
	obj := b.client.Bucket(b.bucket).Object(b.objectName(name))

	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader gs://%s/%s: %w", b.bucket, b.objectName(name), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object gs://%s/%s: %w", b.bucket, b.objectName(name), err)
	}
	return data, nil
}

func (b *GCSBackend) Write(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(b.objectName(name)).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write GCS object gs://%s/%s: %w", b.bucket, b.objectName(name), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize GCS object gs://%s/%s: %w", b.bucket, b.objectName(name), err)
	}
	return nil
}
