package blob

import (
	"context"
	"fmt"

	fsstore "figsync/internal/infra/blob/fs"
	memorystore "figsync/internal/infra/blob/memory"
	s3store "figsync/internal/infra/blob/s3"
)

// Options selects and configures a blob backend. Populated from the process
// configuration and passed in explicitly so tests can substitute drivers.
type Options struct {
	Driver Driver

	// Filesystem driver.
	FSRoot    string
	FSBaseURL string

	// S3 driver.
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PathStyle       bool
}

// Open constructs the configured blob Store.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fsstore.New(opts.FSRoot, opts.FSBaseURL)
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Region:          opts.S3Region,
			Bucket:          opts.S3Bucket,
			Endpoint:        opts.S3Endpoint,
			AccessKeyID:     opts.S3AccessKeyID,
			SecretAccessKey: opts.S3SecretAccessKey,
			PathStyle:       opts.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewMemory returns an in-memory blob Store suitable for tests.
func NewMemory() Store { return memorystore.New() }
