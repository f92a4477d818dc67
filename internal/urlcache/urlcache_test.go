package urlcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/logging"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
)

type fakeFetcher struct {
	mu       sync.Mutex
	now      time.Time
	fetches  atomic.Int32
	presigns atomic.Int32
	missing  map[string]bool
	gate     chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		missing: map[string]bool{},
	}
}

func (f *fakeFetcher) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeFetcher) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (*metadata.PhotoRecord, error) {
	f.fetches.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.missing[id] {
		return nil, perrors.ErrNotFound.WithMessage("photo %q does not exist", id)
	}
	return &metadata.PhotoRecord{ID: id, Bucket: "b", Key: id + ".jpg"}, nil
}

func (f *fakeFetcher) PresignFor(ctx context.Context, rec *metadata.PhotoRecord, lifetime time.Duration) (accessurl.URL, error) {
	n := f.presigns.Add(1)
	return accessurl.New(fmt.Sprintf("http://blobs.test/b/%s?n=%d", rec.Key, n), f.Now().Add(lifetime)), nil
}

func newCache(t *testing.T, f *fakeFetcher, mutate ...func(*Options)) *Cache {
	t.Helper()
	opts := Options{
		MaxEntries:   16,
		SafetyMargin: time.Minute,
		TTLCeiling:   time.Hour,
		MaxLifetime:  24 * time.Hour,
		Now:          f.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(f, opts, logging.Discard())
}

func TestGetCachesUntilMargin(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	u1, err := c.Get(ctx, "p1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, u1.ExpiresAt.Equal(f.Now().Add(10*time.Minute)))

	f.Advance(8 * time.Minute)
	u2, err := c.Get(ctx, "p1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, u1.Raw, u2.Raw, "served from cache")
	assert.Equal(t, int32(1), f.presigns.Load())

	// Inside the 60s margin of expiry (TTL is lifetime minus margin).
	f.Advance(90 * time.Second)
	u3, err := c.Get(ctx, "p1", 10*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, u1.Raw, u3.Raw)
	assert.Equal(t, int32(2), f.fetches.Load(), "miss goes through the coordinator")
}

func TestGetTTLCappedByCeiling(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	u1, err := c.Get(ctx, "p1", 12*time.Hour)
	require.NoError(t, err)

	f.Advance(59 * time.Minute)
	u2, err := c.Get(ctx, "p1", 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, u1.Raw, u2.Raw)

	f.Advance(2 * time.Minute)
	u3, err := c.Get(ctx, "p1", 12*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, u1.Raw, u3.Raw, "entry dropped at the one hour ceiling")
}

func TestGetKeysByLifetime(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	short, err := c.Get(ctx, "p1", 5*time.Minute)
	require.NoError(t, err)
	long, err := c.Get(ctx, "p1", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, short.Raw, long.Raw)
	assert.Equal(t, 2, c.Len())
}

func TestGetRejectsBadLifetime(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	for _, lifetime := range []time.Duration{0, -time.Second, 24 * time.Hour, 25 * time.Hour} {
		_, err := c.Get(ctx, "p1", lifetime)
		assert.True(t, perrors.IsValidation(err), "lifetime %s: %v", lifetime, err)
	}
	_, err := c.Get(ctx, "", time.Minute)
	assert.True(t, perrors.IsValidation(err))

	_, err = c.Get(ctx, "p1", 24*time.Hour-time.Second)
	assert.NoError(t, err, "just below the ceiling is allowed")
	assert.Equal(t, int32(1), f.fetches.Load())
}

func TestGetShortLifetimeNotCached(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)

	_, err := c.Get(context.Background(), "p1", 30*time.Second)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

func TestGetPropagatesNotFound(t *testing.T) {
	f := newFakeFetcher()
	f.missing["gone"] = true
	c := newCache(t, f)

	_, err := c.Get(context.Background(), "gone", time.Minute*5)
	assert.True(t, perrors.IsNotFound(err))
	assert.Zero(t, c.Len())
}

func TestInvalidateDropsAllLifetimes(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	for _, l := range []time.Duration{5 * time.Minute, 10 * time.Minute} {
		_, err := c.Get(ctx, "p1", l)
		require.NoError(t, err)
	}
	_, err := c.Get(ctx, "p2", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, c.Len())

	c.Invalidate("p1")
	assert.Equal(t, 1, c.Len())
}

func TestSweepRemovesStale(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f)
	ctx := context.Background()

	_, err := c.Get(ctx, "short", 5*time.Minute)
	require.NoError(t, err)
	_, err = c.Get(ctx, "long", time.Hour)
	require.NoError(t, err)

	f.Advance(10 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentMissesShareOneMint(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newCache(t, f)

	var wg sync.WaitGroup
	urls := make([]accessurl.URL, 4)
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := c.Get(context.Background(), "p1", 10*time.Minute)
			assert.NoError(t, err)
			urls[i] = u
		}(i)
	}
	require.Eventually(t, func() bool { return f.fetches.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.presigns.Load())
	for _, u := range urls {
		assert.Equal(t, urls[0].Raw, u.Raw)
	}
}

func TestInvalidateDuringMintSkipsCaching(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newCache(t, f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "p1", 10*time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.fetches.Load() >= 1 }, time.Second, time.Millisecond)

	// The row is deleted while the mint holds the old record.
	c.Invalidate("p1")
	close(f.gate)
	require.NoError(t, <-done)
	assert.Zero(t, c.Len(), "url minted before the invalidation must not be cached")

	_, err := c.Get(ctx, "p1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(2), f.fetches.Load())
}

func TestCancelledWaiterDoesNotFailOthers(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	c := newCache(t, f)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(first, "p1", 10*time.Minute)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.fetches.Load() >= 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	var second accessurl.URL
	go func() {
		u, err := c.Get(context.Background(), "p1", 10*time.Minute)
		second = u
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.True(t, perrors.IsConnectivity(err), "got %v", err)

	close(f.gate)
	require.NoError(t, <-secondErr)
	assert.NotEmpty(t, second.Raw)
	assert.Equal(t, int32(1), f.fetches.Load(), "one shared mint")
	assert.Equal(t, 1, c.Len())
}

func TestStartStop(t *testing.T) {
	f := newFakeFetcher()
	c := newCache(t, f, func(o *Options) { o.SweepInterval = 5 * time.Millisecond })
	_, err := c.Get(context.Background(), "p1", 5*time.Minute)
	require.NoError(t, err)

	c.Start(context.Background())
	f.Advance(time.Hour)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
