// Package urlcache caches direct-access URLs in front of the coordinator's
// read path.
//
// The cache holds no authority: any entry may be dropped and regenerated.
// Entries are keyed by record id and requested lifetime, live for
// min(lifetime - safety margin, ceiling), and are evicted lazily on read and
// by a periodic sweep.
package urlcache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Vanuan/photo-management-sub002/internal/accessurl"
	"github.com/Vanuan/photo-management-sub002/internal/config"
	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/metrics"
)

// Fetcher is the slice of the coordinator the cache needs. Fetch refreshes
// the stored URL if it has expired; PresignFor mints a URL for a caller
// chosen lifetime.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*metadata.PhotoRecord, error)
	PresignFor(ctx context.Context, rec *metadata.PhotoRecord, lifetime time.Duration) (accessurl.URL, error)
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
	// SafetyMargin is how close to expiry a cached URL may get before it is
	// considered stale.
	SafetyMargin time.Duration
	// TTLCeiling caps how long any entry is kept.
	TTLCeiling time.Duration
	// MaxLifetime is the hard ceiling on a requested lifetime. Requests
	// must stay strictly below it.
	MaxLifetime time.Duration
	// MintTimeout bounds a shared mint. It runs detached from any single
	// caller's context.
	MintTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// OptionsFromConfig derives cache options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxEntries:    cfg.URLCache.MaxEntries,
		SafetyMargin:  cfg.URLCache.SafetyMargin,
		TTLCeiling:    cfg.URLCache.TTLCeiling,
		MaxLifetime:   cfg.URLCache.MaxLifetime,
		MintTimeout:   cfg.URLCache.MintTimeout,
		SweepInterval: cfg.URLCache.SweepInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = time.Minute
	}
	if o.TTLCeiling <= 0 {
		o.TTLCeiling = time.Hour
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 24 * time.Hour
	}
	if o.MintTimeout <= 0 {
		o.MintTimeout = 10 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type cacheKey struct {
	id       string
	lifetime time.Duration
}

type entry struct {
	url      accessurl.URL
	deadline time.Time
}

// Cache is a bounded access-URL cache. It is safe for concurrent use.
type Cache struct {
	lru     *expirable.LRU[cacheKey, entry]
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
	group   singleflight.Group

	// epoch advances on every Invalidate. A mint that began under an older
	// epoch returns its URL but does not cache it.
	epochMu sync.Mutex
	epoch   uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a cache in front of fetcher.
func New(fetcher Fetcher, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Cache{
		lru:     expirable.NewLRU[cacheKey, entry](opts.MaxEntries, nil, opts.TTLCeiling),
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With("component", "urlcache"),
	}
}

// Get returns a direct-access URL for id valid for roughly lifetime. A
// cached URL is returned while it stays outside the safety margin of its
// expiry; otherwise a fresh one is minted and cached.
func (c *Cache) Get(ctx context.Context, id string, lifetime time.Duration) (accessurl.URL, error) {
	if id == "" {
		return accessurl.URL{}, perrors.ErrValidation.WithMessage("id is required")
	}
	if lifetime <= 0 {
		return accessurl.URL{}, perrors.ErrValidation.WithMessage("lifetime must be positive")
	}
	if lifetime >= c.opts.MaxLifetime {
		return accessurl.URL{}, perrors.ErrValidation.WithMessage("lifetime %s must be below %s", lifetime, c.opts.MaxLifetime)
	}

	k := cacheKey{id: id, lifetime: lifetime}
	if e, ok := c.lru.Get(k); ok {
		if c.fresh(e, c.opts.Now()) {
			metrics.URLCacheRequestsTotal.WithLabelValues("hit").Inc()
			return e.url, nil
		}
		c.lru.Remove(k)
	}
	metrics.URLCacheRequestsTotal.WithLabelValues("miss").Inc()

	// The mint is shared by every waiter, so it must not die with whichever
	// caller started it. Each caller still gives up on its own context.
	mintCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id+"|"+strconv.FormatInt(int64(lifetime), 10), func() (any, error) {
		mctx, cancel := context.WithTimeout(mintCtx, c.opts.MintTimeout)
		defer cancel()
		return c.mint(mctx, k)
	})
	select {
	case <-ctx.Done():
		return accessurl.URL{}, perrors.ErrStoreConnectivity.WithMessage("waiting for access url cancelled").Wrap(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return accessurl.URL{}, res.Err
		}
		return res.Val.(accessurl.URL), nil
	}
}

func (c *Cache) mint(ctx context.Context, k cacheKey) (accessurl.URL, error) {
	epoch := c.currentEpoch()
	rec, err := c.fetcher.Fetch(ctx, k.id)
	if err != nil {
		return accessurl.URL{}, err
	}
	u, err := c.fetcher.PresignFor(ctx, rec, k.lifetime)
	if err != nil {
		return accessurl.URL{}, err
	}

	ttl := min(u.Remaining(c.opts.Now())-c.opts.SafetyMargin, c.opts.TTLCeiling)
	cached := ttl > 0 && c.addIfCurrent(epoch, k, entry{url: u, deadline: c.opts.Now().Add(ttl)})
	c.logger.Debug("access url minted", "id", k.id, "lifetime", k.lifetime, "ttl", ttl, "cached", cached)
	return u, nil
}

func (c *Cache) currentEpoch() uint64 {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	return c.epoch
}

// addIfCurrent caches e unless an Invalidate ran since epoch was read.
func (c *Cache) addIfCurrent(epoch uint64, k cacheKey, e entry) bool {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.lru.Add(k, e)
	metrics.URLCacheEntries.Set(float64(c.lru.Len()))
	return true
}

func (c *Cache) fresh(e entry, now time.Time) bool {
	return now.Before(e.deadline) && e.url.ValidFor(now, c.opts.SafetyMargin)
}

// Invalidate drops every cached URL for id. Mints already in flight when
// it runs do not cache their results.
func (c *Cache) Invalidate(id string) {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	c.epoch++
	for _, k := range c.lru.Keys() {
		if k.id == id {
			c.lru.Remove(k)
		}
	}
	metrics.URLCacheEntries.Set(float64(c.lru.Len()))
}

// Sweep removes stale entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.opts.Now()
	removed := 0
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && c.fresh(e, now) {
			continue
		}
		if c.lru.Remove(k) {
			removed++
		}
	}
	metrics.URLCacheEntries.Set(float64(c.lru.Len()))
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Start launches the periodic sweeper.
func (c *Cache) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("swept stale urls", "removed", n)
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
