package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // User metadata (small, flat key-value)
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"` // public URL when the backend can derive one
}

// Store is a thin S3-like abstraction used for re-hosting scraped images.
// Put is an upsert: writing the same key twice replaces the object, so a
// retried scrape that re-uploads under the same derived filename is a no-op
// from the caller's point of view.
type Store interface {
	// Put stores a blob at key, replacing any existing object at that key.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get retrieves the blob contents and metadata.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns metadata only.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
	// PublicURL returns a stable URL for the key, or "" if the backend has none.
	PublicURL(key string) string
	// Driver returns the configured backend driver string.
	Driver() Driver
}

// ErrNotFound is returned when a key has no stored blob.
var ErrNotFound = errors.New("blob: not found")
