// Package storage defines the interface and implementations for the photo
// store's blob tier: an S3-compatible, bucket/key addressed object store.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
)

// ErrObjectNotFound is returned by Get and Stat when no object exists at the
// requested bucket and key.
var ErrObjectNotFound = errors.New("object not found")

// Presign methods accepted by BlobStore.Presign.
const (
	MethodGet    = "GET"
	MethodPut    = "PUT"
	MethodHead   = "HEAD"
	MethodDelete = "DELETE"
)

// PutOptions carries the optional attributes stored with an object.
type PutOptions struct {
	ContentType string
	// Metadata is stored as object user metadata.
	Metadata map[string]string
}

// PutResult describes a completed write.
type PutResult struct {
	ETag string
}

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// BlobStore is the typed interface over the blob tier. Implementations must
// be safe for concurrent use.
type BlobStore interface {
	// Put writes data at bucket/key, replacing any existing object.
	Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (PutResult, error)

	// Get returns the full payload stored at bucket/key.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Stat returns object attributes, or ErrObjectNotFound.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// Remove deletes bucket/key. Removing a missing object is not an error.
	Remove(ctx context.Context, bucket, key string) error

	// Presign mints a direct-access URL for method on bucket/key valid for
	// lifetime. The returned value carries the URL's parsed expiry.
	Presign(ctx context.Context, method, bucket, key string, lifetime time.Duration) (accessurl.URL, error)

	// List lazily enumerates objects in bucket under prefix. Non-recursive
	// listings stop at the next "/" after the prefix. The sequence is a
	// finite, single-pass snapshot; a listing error is yielded once and ends
	// the sequence.
	List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error]

	// HealthCheck verifies that the blob store is reachable.
	HealthCheck(ctx context.Context) error
}
