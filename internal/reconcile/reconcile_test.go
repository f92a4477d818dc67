package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
	"github.com/Vanuan/photo-management-sub002/internal/logging"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
)

const bucket = "photos-standard"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	meta  *metadata.SQLiteStore
	blobs *storage.MemoryBackend
	clock *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	meta, err := metadata.NewSQLiteStore(filepath.Join(t.TempDir(), "photos.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	clk := &clock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return &env{
		meta:  meta,
		blobs: storage.NewMemoryBackend("http://blobs.test", storage.WithClock(clk.Now)),
		clock: clk,
	}
}

func (e *env) service(mutate ...func(*Options)) *Service {
	opts := Options{
		Buckets:     []string{bucket, "photos-video"},
		OrphanGrace: 24 * time.Hour,
		Concurrency: 4,
		BatchSize:   2,
		CallTimeout: time.Second,
		Now:         e.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(e.meta, e.blobs, opts, logging.Discard())
}

// insertRow commits a row pointing at key without touching the blob store.
func (e *env) insertRow(t *testing.T, id, key string) {
	t.Helper()
	now := e.clock.Now()
	ctx := context.Background()
	tx, err := e.meta.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertPhoto(ctx, &metadata.PhotoRecord{
		ID:               id,
		Bucket:           bucket,
		Key:              key,
		AccessURL:        accessurl.New("http://blobs.test/"+key, now.Add(time.Hour)),
		Size:             3,
		ContentType:      "image/jpeg",
		OriginalName:     id + ".jpg",
		Checksum:         "abc",
		ClientID:         "c1",
		ProcessingStatus: metadata.StatusQueued,
		UploadedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	require.NoError(t, tx.Commit())
}

func (e *env) putBlob(t *testing.T, key string) {
	t.Helper()
	_, err := e.blobs.Put(context.Background(), bucket, key, []byte("abc"), storage.PutOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)
}

func (e *env) photo(t *testing.T, id string) *metadata.PhotoRecord {
	t.Helper()
	rec, err := e.meta.GetPhoto(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestRunOnceConsistent(t *testing.T) {
	e := newEnv(t)
	ids := []string{"a", "b", "c", "d", "e"}
	before := make(map[string]*metadata.PhotoRecord, len(ids))
	for _, id := range ids {
		e.putBlob(t, id+".jpg")
		e.insertRow(t, id, id+".jpg")
		before[id] = e.photo(t, id)
	}
	// Any write during the sweep would carry a later timestamp.
	e.clock.Advance(48 * time.Hour)

	report, skipped := e.service().RunOnce(context.Background())
	require.False(t, skipped)
	require.NotNil(t, report)
	assert.Equal(t, 5, report.RowsChecked, "all pages visited")
	assert.Equal(t, 5, report.ObjectsChecked)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.Errors)

	for _, id := range ids {
		after := e.photo(t, id)
		assert.Equal(t, before[id].ProcessingStatus, after.ProcessingStatus, "status of %s", id)
		assert.True(t, before[id].UpdatedAt.Equal(after.UpdatedAt), "updated_at of %s", id)
		assert.Equal(t, before[id], after, "row %s", id)
	}
	assert.Equal(t, 5, e.blobs.Len(), "no blob removed")
	entries, err := e.meta.ListQuarantine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrphanedMetadataMarkedFailed(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "ok.jpg")
	e.insertRow(t, "ok", "ok.jpg")
	e.insertRow(t, "lost", "lost.jpg")
	svc := e.service()

	report, _ := svc.RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, KindOrphanedMetadata, f.Kind)
	assert.Equal(t, ActionMarkedFailed, f.Action)
	assert.Equal(t, "lost", f.ID)

	rec := e.photo(t, "lost")
	assert.Equal(t, metadata.StatusFailed, rec.ProcessingStatus)
	assert.Contains(t, rec.ProcessingError, "lost.jpg")
	assert.Equal(t, metadata.StatusQueued, e.photo(t, "ok").ProcessingStatus)

	// The row is kept and a second sweep changes nothing.
	updated := rec.UpdatedAt
	e.clock.Advance(time.Hour)
	report, _ = svc.RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	assert.Equal(t, ActionAlreadyFailed, report.Findings[0].Action)
	assert.True(t, e.photo(t, "lost").UpdatedAt.Equal(updated))
}

func TestYoungOrphanBlobIsQuarantined(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "stray.jpg")
	e.clock.Advance(time.Hour)

	report, _ := e.service().RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	assert.Equal(t, KindOrphanedBlob, report.Findings[0].Kind)
	assert.Equal(t, ActionQuarantined, report.Findings[0].Action)

	_, err := e.blobs.Stat(context.Background(), bucket, "stray.jpg")
	assert.NoError(t, err, "young orphan must not be deleted")

	entries, err := e.meta.ListQuarantine(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stray.jpg", entries[0].Key)
}

func TestOldOrphanBlobDeletedAfterGrace(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "stray.jpg")
	svc := e.service()

	report, _ := svc.RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	assert.Equal(t, ActionQuarantined, report.Findings[0].Action)

	e.clock.Advance(25 * time.Hour)
	report, _ = svc.RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	assert.Equal(t, ActionDeleted, report.Findings[0].Action)

	_, err := e.blobs.Stat(context.Background(), bucket, "stray.jpg")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	entries, err := e.meta.ListQuarantine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQuarantineOnlyNeverDeletes(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "stray.jpg")
	e.clock.Advance(30 * 24 * time.Hour)

	report, _ := e.service(func(o *Options) { o.Policy = PolicyQuarantineOnly }).RunOnce(context.Background())
	require.Len(t, report.Findings, 1)
	assert.Equal(t, ActionQuarantined, report.Findings[0].Action)
	_, err := e.blobs.Stat(context.Background(), bucket, "stray.jpg")
	assert.NoError(t, err)
}

func TestQuarantineClearedWhenReferenced(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "late.jpg")
	svc := e.service()

	report, _ := svc.RunOnce(context.Background())
	require.Equal(t, 1, report.Count(KindOrphanedBlob))

	// The upload's commit lands after the first sweep.
	e.insertRow(t, "late", "late.jpg")
	report, _ = svc.RunOnce(context.Background())
	assert.Empty(t, report.Findings)
	assert.Equal(t, 1, report.QuarantineCleared)

	entries, err := e.meta.ListQuarantine(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQuarantineClearedWhenObjectGone(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "gone.jpg")
	svc := e.service()

	svc.RunOnce(context.Background())
	require.NoError(t, e.blobs.Remove(context.Background(), bucket, "gone.jpg"))

	report, _ := svc.RunOnce(context.Background())
	assert.Equal(t, 1, report.QuarantineCleared)
}

// gatedBlobs blocks Stat until released.
type gatedBlobs struct {
	*storage.MemoryBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBlobs) Stat(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.MemoryBackend.Stat(ctx, bucket, key)
}

func TestOverlappingSweepsAreSkipped(t *testing.T) {
	e := newEnv(t)
	e.putBlob(t, "a.jpg")
	e.insertRow(t, "a", "a.jpg")

	gated := &gatedBlobs{MemoryBackend: e.blobs, entered: make(chan struct{}), release: make(chan struct{})}
	svc := New(e.meta, gated, Options{Buckets: []string{bucket}, Now: e.clock.Now}, logging.Discard())

	first := make(chan *Report, 1)
	go func() {
		r, _ := svc.RunOnce(context.Background())
		first <- r
	}()
	<-gated.entered
	assert.True(t, svc.IsInProgress())

	report, skipped := svc.RunOnce(context.Background())
	assert.True(t, skipped)
	assert.Nil(t, report)

	close(gated.release)
	require.NotNil(t, <-first)
	assert.False(t, svc.IsInProgress())
	assert.NotNil(t, svc.LastReport())
}

func TestStartRunsOnStartupAndStops(t *testing.T) {
	e := newEnv(t)
	e.insertRow(t, "lost", "lost.jpg")
	svc := e.service(func(o *Options) {
		o.RunOnStartup = true
		o.Interval = time.Hour
	})

	svc.Start(context.Background())
	require.Eventually(t, func() bool { return svc.LastReport() != nil }, 5*time.Second, 10*time.Millisecond)
	svc.Stop()
	svc.Stop()

	assert.Equal(t, metadata.StatusFailed, e.photo(t, "lost").ProcessingStatus)
}
