// Package provider defines the object storage surface used by the pipeline
// stages: fetch a staged input, upload results and logs, remove leftovers.
//
// A Provider is scoped to one bucket. An Opener hands out providers by bucket
// name, since input and result buckets are carried per job record.
// Authentication uses SDK default credential chains; providers should not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts single-bucket object operations.
//
// Implementations should be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject streams an object. The caller closes body.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// PutObject creates or overwrites an object.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// DeleteObject removes an object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// Opener returns a Provider for the named bucket.
type Opener interface {
	Open(ctx context.Context, bucket string) (Provider, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, bucket string) (Provider, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, bucket string) (Provider, error) {
	return f(ctx, bucket)
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the full object key in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory tree standing in for buckets.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// ParseProviderType validates a configured backend name.
func ParseProviderType(s string) (ProviderType, bool) {
	switch ProviderType(s) {
	case ProviderS3, ProviderFile:
		return ProviderType(s), true
	}
	return "", false
}
