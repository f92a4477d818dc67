package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
	"github.com/Vanuan/photo-management-sub002/internal/uid"
)

// LocalBackend implements BlobStore on the local filesystem for single-node
// deployments. Each bucket is a directory under the root and each object a
// file at its key path. Only the payload is persisted: Stat derives the
// content type from the key's extension and reports no ETag or user
// metadata. Presigned URLs come from a urlSigner rooted at the configured
// base URL.
type LocalBackend struct {
	root    string
	buckets []string
	signer  *urlSigner
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the root,
// the temp directory and one directory per bucket if they do not exist.
func NewLocalBackend(rootDir, baseURL string, buckets []string) (*LocalBackend, error) {
	b := &LocalBackend{
		root:    rootDir,
		buckets: append([]string(nil), buckets...),
		signer:  newURLSigner(baseURL, time.Now),
	}
	// The .tmp directory holds in-flight writes until they are renamed.
	if err := os.MkdirAll(b.tempDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	for _, bucket := range buckets {
		if err := validBucket(bucket); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Join(rootDir, bucket), 0o755); err != nil {
			return nil, fmt.Errorf("creating bucket directory %q: %w", bucket, err)
		}
	}
	return b, nil
}

// CleanTempFiles removes every file left in the temp directory. Leftovers
// are writes interrupted by a crash; none of them was ever visible under a
// key, so every startup can drop them.
func (b *LocalBackend) CleanTempFiles() (int, error) {
	entries, err := os.ReadDir(b.tempDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if os.Remove(filepath.Join(b.tempDir(), entry.Name())) == nil {
			removed++
		}
	}
	return removed, nil
}

func (b *LocalBackend) tempDir() string {
	return filepath.Join(b.root, ".tmp")
}

func validBucket(bucket string) error {
	if bucket == "" || strings.HasPrefix(bucket, ".") || strings.ContainsAny(bucket, `/\`) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}

// objectPath returns the file path for bucket/key, rejecting keys that would
// resolve outside the bucket directory.
func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	if err := validBucket(bucket); err != nil {
		return "", err
	}
	rel := filepath.FromSlash(key)
	if key == "" || strings.HasSuffix(key, "/") || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.root, bucket, rel), nil
}

// Put writes data with the crash-only atomic write pattern: write to a temp
// file, fsync, rename into place. Readers never observe a partial object.
func (b *LocalBackend) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("creating parent directories for %s/%s: %w", bucket, key, err)
	}

	tmpPath := filepath.Join(b.tempDir(), "tmp-"+uid.New())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return PutResult{}, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, h), bytes.NewReader(data)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("writing object data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("renaming temp file to %s/%s: %w", bucket, key, err)
	}

	return PutResult{ETag: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

// Get reads the whole object file.
func (b *LocalBackend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(objPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || isDirErr(objPath) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func isDirErr(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Stat returns the object's size and modification time.
func (b *LocalBackend) Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(objPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	oi := fileInfo(bucket, key, info)
	return &oi, nil
}

func fileInfo(bucket, key string, info fs.FileInfo) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         info.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: info.ModTime().UTC(),
	}
}

// Remove deletes the object file and any parent directories it leaves
// empty, stopping at the bucket directory. Removing a missing object is not
// an error.
func (b *LocalBackend) Remove(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing object %s/%s: %w", bucket, key, err)
	}
	cleanEmptyParents(filepath.Dir(objPath), filepath.Join(b.root, bucket))
	return nil
}

// cleanEmptyParents removes empty directories from dir up to, but not
// including, stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// Presign returns a SigV4-shaped URL valid for lifetime. The object need not
// exist.
func (b *LocalBackend) Presign(ctx context.Context, method, bucket, key string, lifetime time.Duration) (accessurl.URL, error) {
	if err := ctx.Err(); err != nil {
		return accessurl.URL{}, err
	}
	if _, err := b.objectPath(bucket, key); err != nil {
		return accessurl.URL{}, err
	}
	return b.signer.presign(method, bucket, key, lifetime)
}

// VerifyPresigned reports whether raw is a still-valid URL minted by this
// backend for method.
func (b *LocalBackend) VerifyPresigned(method, raw string) bool {
	return b.signer.verify(method, raw)
}

// List walks the bucket directory when iteration starts and yields the
// collected objects in key order.
func (b *LocalBackend) List(ctx context.Context, bucket, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if err := validBucket(bucket); err != nil {
			yield(ObjectInfo{}, err)
			return
		}
		bucketDir := filepath.Join(b.root, bucket)

		var snapshot []ObjectInfo
		err := filepath.WalkDir(bucketDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(bucketDir, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !recursive && strings.Contains(key[len(prefix):], "/") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			snapshot = append(snapshot, fileInfo(bucket, key, info))
			return nil
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("bucket %q does not exist", bucket)
			}
			yield(ObjectInfo{}, fmt.Errorf("listing %s: %w", bucket, err))
			return
		}

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

// HealthCheck verifies that the root and every bucket directory are
// accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(b.root); err != nil {
		return fmt.Errorf("storage root: %w", err)
	}
	for _, bucket := range b.buckets {
		if _, err := os.Stat(filepath.Join(b.root, bucket)); err != nil {
			return fmt.Errorf("bucket %q: %w", bucket, err)
		}
	}
	return nil
}

// Ensure LocalBackend implements BlobStore at compile time.
var _ BlobStore = (*LocalBackend)(nil)
