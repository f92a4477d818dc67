// Package coordinator implements the photo store's write and read paths
// across the blob tier and the metadata tier.
//
// Every write touching both tiers runs inside a txn.Tx and mutates the blob
// tier first, so a failed metadata step can always be compensated. Reads do
// not open transactions. The coordinator holds no cross-operation locks;
// isolation between concurrent operations is delegated to the metadata
// store.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
	"github.com/Vanuan/photo-management-sub002/internal/config"
	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/metrics"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
	"github.com/Vanuan/photo-management-sub002/internal/txn"
	"github.com/Vanuan/photo-management-sub002/internal/uid"
)

// Options configures a Coordinator.
type Options struct {
	Buckets             storage.Buckets
	MaxPayloadSize      int64
	AllowedContentTypes []string
	// URLLifetime is the lifetime of URLs minted at store time and on
	// refresh.
	URLLifetime time.Duration
	// StoreTimeout bounds every individual adapter call.
	StoreTimeout    time.Duration
	DefaultPageSize int
	MaxPageSize     int

	// OnDelete, if set, is called with the id of every committed delete.
	OnDelete func(id string)

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// OptionsFromConfig derives coordinator options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Buckets: storage.Buckets{
			Standard:           cfg.Storage.Buckets.Standard,
			Oversized:          cfg.Storage.Buckets.Oversized,
			Video:              cfg.Storage.Buckets.Video,
			Other:              cfg.Storage.Buckets.Other,
			OversizedThreshold: int64(cfg.Storage.OversizedThreshold),
		},
		MaxPayloadSize:      int64(cfg.Coordinator.MaxPayloadSize),
		AllowedContentTypes: cfg.Coordinator.AllowedContentTypes,
		URLLifetime:         cfg.Coordinator.URLLifetime,
		StoreTimeout:        cfg.Coordinator.StoreTimeout,
		DefaultPageSize:     cfg.Coordinator.DefaultPageSize,
		MaxPageSize:         cfg.Coordinator.MaxPageSize,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = 50 << 20
	}
	if o.URLLifetime <= 0 {
		o.URLLifetime = time.Hour
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 30 * time.Second
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = 20
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uid.New
	}
}

// Coordinator is the storage coordinator. It is safe for concurrent use.
type Coordinator struct {
	meta    metadata.Store
	blobs   storage.BlobStore
	opts    Options
	allowed map[string]bool
	logger  *slog.Logger
}

// New creates a Coordinator over the two adapters.
func New(meta metadata.Store, blobs storage.BlobStore, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	allowed := make(map[string]bool, len(opts.AllowedContentTypes))
	for _, ct := range opts.AllowedContentTypes {
		allowed[storage.NormalizeContentType(ct)] = true
	}
	return &Coordinator{
		meta:    meta,
		blobs:   blobs,
		opts:    opts,
		allowed: allowed,
		logger:  logger.With("component", "coordinator"),
	}
}

// StoreOptions describes a photo being stored.
type StoreOptions struct {
	// Name is the original file name. Required.
	Name string
	// ClientID identifies the owning client. Required.
	ClientID  string
	SessionID string
	UserID    string
	// ContentType is sniffed from the payload when empty.
	ContentType string
}

// Store validates and persists payload, returning the committed record.
func (c *Coordinator) Store(ctx context.Context, payload []byte, opts StoreOptions) (rec *metadata.PhotoRecord, err error) {
	started := time.Now()
	defer func() { c.observe("store", started, err) }()

	contentType, err := c.validateStore(payload, &opts)
	if err != nil {
		return nil, err
	}

	now := c.now()
	id := c.opts.NewID()
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	bucket := c.opts.Buckets.Select(contentType, int64(len(payload)))
	key := uid.BlobKey(id, opts.Name, now)
	log := c.logger.With("id", id, "bucket", bucket, "key", key)

	tx := c.begin()
	defer tx.Rollback(ctx)

	putCtx, cancel := c.call(ctx)
	_, err = c.blobs.Put(putCtx, bucket, key, payload, storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"photo-id":        id,
			"client-id":       opts.ClientID,
			"checksum-sha256": checksum,
		},
	})
	cancel()
	if err != nil {
		log.Warn("blob write failed", "error", err)
		return nil, c.classify(ctx, err, "writing blob")
	}
	tx.RecordUndo("delete "+bucket+"/"+key, func(uctx context.Context) error {
		return c.blobs.Remove(uctx, bucket, key)
	})

	u, err := c.presign(ctx, bucket, key, c.opts.URLLifetime)
	if err != nil {
		return nil, err
	}

	rec = &metadata.PhotoRecord{
		ID:               id,
		Bucket:           bucket,
		Key:              key,
		AccessURL:        u,
		Size:             int64(len(payload)),
		ContentType:      contentType,
		OriginalName:     opts.Name,
		Checksum:         checksum,
		ClientID:         opts.ClientID,
		SessionID:        opts.SessionID,
		UserID:           opts.UserID,
		ProcessingStatus: metadata.StatusQueued,
		UploadedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	mctx, cancel := c.call(ctx)
	defer cancel()
	mtx, err := tx.Meta(mctx)
	if err != nil {
		return nil, c.classify(ctx, err, "opening metadata transaction")
	}
	if err := mtx.InsertPhoto(mctx, rec); err != nil {
		log.Warn("metadata insert failed, compensating", "error", err)
		return nil, c.classify(ctx, err, "inserting photo")
	}
	if err := tx.Commit(mctx); err != nil {
		log.Warn("metadata commit failed, compensated", "error", err)
		return nil, c.classify(ctx, err, "committing photo")
	}

	metrics.StoredBytes.Observe(float64(rec.Size))
	log.Debug("photo stored", "size", rec.Size, "content_type", contentType)
	return rec, nil
}

// Fetch returns the record for id. An expired direct-access URL is
// regenerated and persisted first; an unexpired one is returned as is.
func (c *Coordinator) Fetch(ctx context.Context, id string) (rec *metadata.PhotoRecord, err error) {
	started := time.Now()
	defer func() { c.observe("fetch", started, err) }()

	rec, err = c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.AccessURL.Expired(c.now()) {
		return rec, nil
	}

	u, err := c.presign(ctx, rec.Bucket, rec.Key, c.opts.URLLifetime)
	if err != nil {
		return nil, err
	}
	now := c.now()
	sctx, cancel := c.call(ctx)
	found, err := c.meta.SetAccessURL(sctx, id, u, now)
	cancel()
	if err != nil {
		return nil, c.classify(ctx, err, "persisting refreshed url")
	}
	if !found {
		return nil, notFound(id)
	}
	metrics.URLRefreshesTotal.Inc()
	c.logger.Debug("access url refreshed", "id", id, "expires_at", u.ExpiresAt)

	rec.AccessURL = u
	rec.UpdatedAt = now
	return rec, nil
}

// UpdateMetadata applies a partial update. The blob is never touched.
func (c *Coordinator) UpdateMetadata(ctx context.Context, id string, upd metadata.PhotoUpdate) (err error) {
	started := time.Now()
	defer func() { c.observe("update", started, err) }()

	if err := validateID(id); err != nil {
		return err
	}
	if err := validateUpdate(upd); err != nil {
		return err
	}

	uctx, cancel := c.call(ctx)
	defer cancel()
	found, err := c.meta.UpdatePhoto(uctx, id, upd, c.now())
	if err != nil {
		return c.classify(ctx, err, "updating photo")
	}
	if !found {
		return notFound(id)
	}
	c.logger.Debug("photo metadata updated", "id", id)
	return nil
}

// Delete removes the blob, then the row. If the blob removal fails nothing
// has been written to metadata and both tiers are left intact.
func (c *Coordinator) Delete(ctx context.Context, id string) (err error) {
	started := time.Now()
	defer func() { c.observe("delete", started, err) }()

	if err := validateID(id); err != nil {
		return err
	}

	// The row is read outside the transaction: the metadata write lock is
	// only taken once the blob is gone, so a slow blob store never stalls
	// writers on other ids.
	rec, err := c.get(ctx, id)
	if err != nil {
		return err
	}

	bctx, bcancel := c.call(ctx)
	err = c.blobs.Remove(bctx, rec.Bucket, rec.Key)
	bcancel()
	if err != nil {
		c.logger.Warn("blob delete failed, keeping row", "id", id, "bucket", rec.Bucket, "key", rec.Key, "error", err)
		return c.classify(ctx, err, "deleting blob")
	}

	tx := c.begin()
	defer tx.Rollback(ctx)

	mctx, cancel := c.call(ctx)
	defer cancel()
	mtx, err := tx.Meta(mctx)
	if err != nil {
		return c.classify(ctx, err, "opening metadata transaction")
	}
	found, err := mtx.DeletePhoto(mctx, id)
	if err != nil {
		c.logger.Warn("row delete failed after blob removal", "id", id, "error", err)
		return c.classify(ctx, err, "deleting photo")
	}
	if !found {
		// A concurrent delete of the same id won the race.
		return notFound(id)
	}
	if err := tx.Commit(mctx); err != nil {
		return c.classify(ctx, err, "committing delete")
	}
	if c.opts.OnDelete != nil {
		c.opts.OnDelete(id)
	}
	c.logger.Debug("photo deleted", "id", id)
	return nil
}

// PresignFor mints a direct-access GET URL for rec without persisting it.
func (c *Coordinator) PresignFor(ctx context.Context, rec *metadata.PhotoRecord, lifetime time.Duration) (accessurl.URL, error) {
	if lifetime <= 0 {
		return accessurl.URL{}, perrors.ErrValidation.WithMessage("url lifetime must be positive")
	}
	return c.presign(ctx, rec.Bucket, rec.Key, lifetime)
}

// get reads a row, mapping absence to ErrNotFound.
func (c *Coordinator) get(ctx context.Context, id string) (*metadata.PhotoRecord, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	gctx, cancel := c.call(ctx)
	defer cancel()
	rec, err := c.meta.GetPhoto(gctx, id)
	if err != nil {
		return nil, c.classify(ctx, err, "reading photo")
	}
	if rec == nil {
		return nil, notFound(id)
	}
	return rec, nil
}

func (c *Coordinator) presign(ctx context.Context, bucket, key string, lifetime time.Duration) (accessurl.URL, error) {
	pctx, cancel := c.call(ctx)
	defer cancel()
	u, err := c.blobs.Presign(pctx, storage.MethodGet, bucket, key, lifetime)
	if err != nil {
		return accessurl.URL{}, c.classify(ctx, err, "presigning url")
	}
	return u, nil
}

func (c *Coordinator) begin() *txn.Tx {
	return txn.Begin(c.meta, c.logger,
		txn.WithUndoTimeout(c.opts.StoreTimeout),
		txn.WithUndoObserver(func(name string, err error) { metrics.ObserveUndo(err) }),
	)
}

// call derives the per-adapter-call deadline.
func (c *Coordinator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.StoreTimeout)
}

func (c *Coordinator) now() time.Time {
	return c.opts.Now().UTC().Truncate(time.Millisecond)
}

// classify maps an adapter failure into the error taxonomy. Classified
// errors pass through; everything else means a backing store could not
// serve the call.
func (c *Coordinator) classify(ctx context.Context, err error, op string) error {
	var se *perrors.StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.ErrStoreConnectivity.WithMessage("%s timed out", op).Wrap(err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return perrors.ErrStoreConnectivity.WithMessage("%s cancelled", op).Wrap(err)
	}
	return perrors.ErrStoreConnectivity.WithMessage("%s failed", op).Wrap(err)
}

// observe records the outcome of one public operation.
func (c *Coordinator) observe(op string, started time.Time, err error) {
	metrics.ObserveOperation(op, outcome(err), started)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case perrors.IsValidation(err):
		return "validation"
	case perrors.IsNotFound(err):
		return "not_found"
	case perrors.IsConnectivity(err):
		return "connectivity"
	default:
		return "error"
	}
}

func notFound(id string) error {
	return perrors.ErrNotFound.WithMessage("photo %q does not exist", id)
}
