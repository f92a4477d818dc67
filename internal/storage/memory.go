package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"iter"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
)

// memObject holds the raw data and attributes of an in-memory object.
type memObject struct {
	Data         []byte
	ETag         string
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// MemoryBackend implements BlobStore using an in-memory map. Presigned URLs
// come from a urlSigner. It is intended for tests and single-node
// development.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject // key: "bucket/key"

	signer *urlSigner
	now    func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithClock overrides the time source used for LastModified and presigning.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// NewMemoryBackend creates an empty MemoryBackend whose presigned URLs are
// rooted at baseURL.
func NewMemoryBackend(baseURL string, opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.signer = newURLSigner(baseURL, func() time.Time { return b.now() })
	return b
}

// objectKey builds the map key for an object from its bucket and key.
func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// computeETag returns the MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// Put stores a copy of data.
func (b *MemoryBackend) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	obj := memObject{
		Data:         append([]byte(nil), data...),
		ETag:         computeETag(data),
		ContentType:  opts.ContentType,
		Metadata:     maps.Clone(opts.Metadata),
		LastModified: b.now().UTC(),
	}

	b.mu.Lock()
	b.objects[objectKey(bucket, key)] = obj
	b.mu.Unlock()

	return PutResult{ETag: obj.ETag}, nil
}

// Get returns a copy of the stored payload.
func (b *MemoryBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	obj, ok := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.Data...), nil
}

// Stat returns object attributes.
func (b *MemoryBackend) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	obj, ok := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	info := obj.info(bucket, key)
	return &info, nil
}

func (o memObject) info(bucket, key string) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(o.Data)),
		ETag:         o.ETag,
		ContentType:  o.ContentType,
		LastModified: o.LastModified,
		Metadata:     maps.Clone(o.Metadata),
	}
}

// Remove deletes bucket/key if present.
func (b *MemoryBackend) Remove(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.objects, objectKey(bucket, key))
	b.mu.Unlock()
	return nil
}

// Presign returns a SigV4-shaped URL valid for lifetime. Presigning does not
// require the object to exist, matching S3.
func (b *MemoryBackend) Presign(ctx context.Context, method, bucket, key string, lifetime time.Duration) (accessurl.URL, error) {
	if err := ctx.Err(); err != nil {
		return accessurl.URL{}, err
	}
	return b.signer.presign(method, bucket, key, lifetime)
}

// VerifyPresigned reports whether raw is a URL minted by this backend for
// method that is still valid. It is the memory backend's stand-in for S3
// signature checking.
func (b *MemoryBackend) VerifyPresigned(method, raw string) bool {
	return b.signer.verify(method, raw)
}

// List enumerates a sorted snapshot of the objects in bucket taken when
// iteration starts.
func (b *MemoryBackend) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		bucketPrefix := bucket + "/"

		b.mu.RLock()
		snapshot := make([]ObjectInfo, 0)
		for k, obj := range b.objects {
			if !strings.HasPrefix(k, bucketPrefix) {
				continue
			}
			key := k[len(bucketPrefix):]
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if !recursive && strings.Contains(key[len(prefix):], "/") {
				continue
			}
			snapshot = append(snapshot, obj.info(bucket, key))
		}
		b.mu.RUnlock()

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })

		for _, info := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// HealthCheck always succeeds for the in-memory backend.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Ensure MemoryBackend implements BlobStore at compile time.
var _ BlobStore = (*MemoryBackend)(nil)
