// Package storage archives submitted documents.
//
// Once an entitlement is consumed the uploaded report is copied to object
// storage under attempts/{attemptID}/{filename} so support can re-run or
// inspect a failed attempt. Archiving is best-effort: the pipeline logs a
// failure and carries on.
//
// Implementations:
//   - LocalStorage: filesystem, for development
//   - R2Storage: Cloudflare R2 (S3-compatible), for production
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage is a flat key/value object store.
type Storage interface {
	// Put stores data at key. Fails with ErrKeyExists unless opts.Overwrite.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get returns the object at key; the caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a link to key, presigned for expires where supported.
	URL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string // Detected from the key when empty
	MaxSize     int64  // 0 means unlimited
	Overwrite   bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where files are stored.
	BasePath string

	// BaseURL is the URL prefix printed for archived files.
	// Example: "file:///var/lib/gatekeeper/archive"
	BaseURL string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// PublicURL serves objects without presigning when set.
	PublicURL string

	// Region defaults to "auto".
	Region string

	// Endpoint overrides the account endpoint (e.g. a local S3 emulator).
	Endpoint string
}

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when a requested object doesn't exist.
	ErrNotFound = errors.New("object not found")

	// ErrKeyExists is returned when a key is taken and overwrite is off.
	ErrKeyExists = errors.New("object already exists at this key")

	// ErrInvalidKey is returned for empty keys and path traversal attempts.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrTooLarge is returned when an object exceeds PutOptions.MaxSize.
	ErrTooLarge = errors.New("object exceeds maximum size")

	// ErrAccessDenied is returned when the provider refuses the request.
	ErrAccessDenied = errors.New("access denied")
)

// StorageError records the operation and key that failed.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
