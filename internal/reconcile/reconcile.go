// Package reconcile implements the background consistency sweep between the
// blob tier and the metadata tier.
//
// A sweep has two phases. The row phase pages through every photo row and
// probes the blob store for its locator; rows whose blob is gone are marked
// failed, never deleted. The object phase lists every configured bucket,
// then loads the set of referenced locators, and quarantines objects no row
// points at. Quarantined objects older than the grace period are deleted
// under the delete_after_grace policy after a final per-key reference check.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Vanuan/photo-management-sub002/internal/config"
	perrors "github.com/Vanuan/photo-management-sub002/internal/errors"
	"github.com/Vanuan/photo-management-sub002/internal/metadata"
	"github.com/Vanuan/photo-management-sub002/internal/metrics"
	"github.com/Vanuan/photo-management-sub002/internal/storage"
)

// Policy selects what happens to unreferenced blobs.
type Policy string

const (
	// PolicyDeleteAfterGrace deletes orphans older than the grace period.
	PolicyDeleteAfterGrace Policy = "delete_after_grace"
	// PolicyQuarantineOnly records orphans and never deletes them.
	PolicyQuarantineOnly Policy = "quarantine_only"
)

// Kind classifies a finding.
type Kind string

const (
	KindOrphanedMetadata Kind = "orphaned_metadata"
	KindOrphanedBlob     Kind = "orphaned_blob"
)

// Action is the remediation applied to a finding.
type Action string

const (
	ActionMarkedFailed  Action = "marked_failed"
	ActionAlreadyFailed Action = "already_failed"
	ActionQuarantined   Action = "quarantined"
	ActionDeleted       Action = "deleted"
	ActionFailed        Action = "remediation_failed"
)

// Finding is one drift observation and what was done about it.
type Finding struct {
	Kind   Kind   `json:"kind"`
	Action Action `json:"action"`
	ID     string `json:"id,omitempty"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Detail string `json:"detail,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	RowsChecked    int       `json:"rows_checked"`
	ObjectsChecked int       `json:"objects_checked"`
	Findings       []Finding `json:"findings"`
	// QuarantineCleared counts ledger entries dropped because their object
	// became referenced or disappeared.
	QuarantineCleared int `json:"quarantine_cleared"`
	Errors            int `json:"errors"`
}

// Count returns the number of findings of kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Options configures a Service.
type Options struct {
	Buckets      []string
	Interval     time.Duration
	RunOnStartup bool
	OrphanGrace  time.Duration
	Policy       Policy
	// Concurrency bounds parallel blob probes.
	Concurrency int
	// BatchSize is the number of rows read per metadata page.
	BatchSize int
	// CallTimeout bounds every individual adapter call.
	CallTimeout time.Duration
	Now         func() time.Time
}

// OptionsFromConfig derives reconciler options from the loaded config.
func OptionsFromConfig(cfg *config.Config, buckets storage.Buckets) Options {
	return Options{
		Buckets:      buckets.All(),
		Interval:     cfg.Reconciler.Interval,
		RunOnStartup: cfg.Reconciler.RunOnStartup,
		OrphanGrace:  cfg.Reconciler.OrphanGrace,
		Policy:       Policy(cfg.Reconciler.OrphanPolicy),
		Concurrency:  cfg.Reconciler.Concurrency,
		BatchSize:    cfg.Reconciler.BatchSize,
		CallTimeout:  cfg.Coordinator.StoreTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = 24 * time.Hour
	}
	if o.Policy == "" {
		o.Policy = PolicyDeleteAfterGrace
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service runs consistency sweeps. At most one sweep runs at a time.
type Service struct {
	meta   metadata.Store
	blobs  storage.BlobStore
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	inProgress bool
	last       *Report
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a reconciler over the two adapters.
func New(meta metadata.Store, blobs storage.BlobStore, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Service{
		meta:   meta,
		blobs:  blobs,
		opts:   opts,
		logger: logger.With("component", "reconcile"),
	}
}

// Start launches the periodic sweep loop. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, done)
	s.logger.Info("reconciler started",
		"interval", s.opts.Interval,
		"policy", s.opts.Policy,
		"grace", s.opts.OrphanGrace,
	)
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("reconciler stopped")
}

// IsInProgress reports whether a sweep is running.
func (s *Service) IsInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// LastReport returns the report of the most recent completed sweep, or nil.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.opts.RunOnStartup {
		s.RunOnce(ctx)
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. If a sweep is already running it returns
// (nil, true) without doing anything.
func (s *Service) RunOnce(ctx context.Context) (*Report, bool) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		s.logger.Warn("sweep already in progress, skipping")
		metrics.ReconcileRunsTotal.WithLabelValues("skipped").Inc()
		return nil, true
	}
	s.inProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	rep := &collector{report: Report{StartedAt: s.opts.Now().UTC(), Findings: []Finding{}}}
	s.logger.Info("sweep started")

	rowErr := s.sweepRows(ctx, rep)
	if rowErr != nil {
		rep.fail(s.logger, "row sweep aborted", rowErr)
	}
	objErr := s.sweepObjects(ctx, rep)
	if objErr != nil {
		rep.fail(s.logger, "object sweep aborted", objErr)
	}

	report := rep.report
	report.CompletedAt = s.opts.Now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)

	result := "completed"
	if rowErr != nil || objErr != nil {
		result = "failed"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(result).Inc()
	metrics.ReconcileDuration.Observe(duration.Seconds())

	s.logger.Info("sweep finished",
		"result", result,
		"rows_checked", report.RowsChecked,
		"objects_checked", report.ObjectsChecked,
		"orphaned_metadata", report.Count(KindOrphanedMetadata),
		"orphaned_blobs", report.Count(KindOrphanedBlob),
		"quarantine_cleared", report.QuarantineCleared,
		"errors", report.Errors,
		"duration", duration,
	)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return &report, false
}

// collector accumulates a report from concurrent probes.
type collector struct {
	mu     sync.Mutex
	report Report
}

func (c *collector) add(logger *slog.Logger, f Finding) {
	c.mu.Lock()
	c.report.Findings = append(c.report.Findings, f)
	c.mu.Unlock()

	metrics.ReconcileFindingsTotal.WithLabelValues(string(f.Kind), string(f.Action)).Inc()
	drift := perrors.ErrConsistency.WithMessage("%s", f.Kind)
	logger.Warn("drift detected",
		"kind", f.Kind,
		"action", f.Action,
		"id", f.ID,
		"bucket", f.Bucket,
		"key", f.Key,
		"detail", f.Detail,
		"error", drift,
	)
}

func (c *collector) fail(logger *slog.Logger, msg string, err error, args ...any) {
	c.mu.Lock()
	c.report.Errors++
	c.mu.Unlock()
	logger.Error(msg, append(args, "error", err)...)
}

func (c *collector) rows(n int) {
	c.mu.Lock()
	c.report.RowsChecked += n
	c.mu.Unlock()
}

// call derives the per-adapter-call deadline.
func (s *Service) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

// sweepRows pages through every row in id order and probes its blob.
func (s *Service) sweepRows(ctx context.Context, rep *collector) error {
	after := ""
	for {
		lctx, cancel := s.call(ctx)
		locs, err := s.meta.ListLocators(lctx, after, s.opts.BatchSize)
		cancel()
		if err != nil {
			return fmt.Errorf("listing rows after %q: %w", after, err)
		}
		if len(locs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Concurrency)
		for _, loc := range locs {
			g.Go(func() error {
				s.probe(gctx, loc, rep)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		rep.rows(len(locs))

		if len(locs) < s.opts.BatchSize {
			return nil
		}
		after = locs[len(locs)-1].ID
	}
}

// probe checks one row's blob and fails the row if the blob is gone.
func (s *Service) probe(ctx context.Context, loc metadata.Locator, rep *collector) {
	sctx, cancel := s.call(ctx)
	_, err := s.blobs.Stat(sctx, loc.Bucket, loc.Key)
	cancel()
	if err == nil {
		return
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		if ctx.Err() == nil {
			rep.fail(s.logger, "blob probe failed", err, "id", loc.ID, "bucket", loc.Bucket, "key", loc.Key)
		}
		return
	}

	f := Finding{
		Kind:   KindOrphanedMetadata,
		ID:     loc.ID,
		Bucket: loc.Bucket,
		Key:    loc.Key,
		Detail: "blob missing from store",
	}
	reason := fmt.Sprintf("blob %s/%s missing from store", loc.Bucket, loc.Key)
	mctx, cancel := s.call(ctx)
	changed, err := s.meta.MarkBlobMissing(mctx, loc.ID, reason, s.opts.Now().UTC().Truncate(time.Millisecond))
	cancel()
	switch {
	case err != nil:
		f.Action = ActionFailed
		rep.fail(s.logger, "marking row failed", err, "id", loc.ID)
	case changed:
		f.Action = ActionMarkedFailed
	default:
		f.Action = ActionAlreadyFailed
	}
	rep.add(s.logger, f)
}

// sweepObjects lists every bucket first, then loads referenced locators, so
// an object committed mid-sweep is seen as referenced.
func (s *Service) sweepObjects(ctx context.Context, rep *collector) error {
	var objects []storage.ObjectInfo
	listed := make(map[string]bool, len(s.opts.Buckets))
	for _, bucket := range s.opts.Buckets {
		ok := true
		for info, err := range s.blobs.List(ctx, bucket, "", true) {
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				rep.fail(s.logger, "listing bucket failed", err, "bucket", bucket)
				ok = false
				break
			}
			objects = append(objects, info)
		}
		listed[bucket] = ok
	}

	rctx, cancel := s.call(ctx)
	refs, err := s.meta.ReferencedLocators(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("loading referenced locators: %w", err)
	}

	now := s.opts.Now().UTC().Truncate(time.Millisecond)
	orphans := make(map[metadata.BlobRef]bool)
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.mu.Lock()
		rep.report.ObjectsChecked++
		rep.mu.Unlock()

		ref := metadata.BlobRef{Bucket: obj.Bucket, Key: obj.Key}
		if _, ok := refs[ref]; ok {
			continue
		}
		if s.handleOrphan(ctx, obj, now, rep) {
			orphans[ref] = true
		}
	}

	return s.pruneQuarantine(ctx, refs, orphans, listed, rep)
}

// handleOrphan quarantines obj and deletes it when policy and age allow.
// It reports whether obj remains in quarantine.
func (s *Service) handleOrphan(ctx context.Context, obj storage.ObjectInfo, now time.Time, rep *collector) bool {
	qctx, cancel := s.call(ctx)
	entry, err := s.meta.UpsertQuarantine(qctx, metadata.QuarantineRecord{
		Bucket:       obj.Bucket,
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: obj.LastModified.UTC(),
		FirstSeenAt:  now,
		LastSeenAt:   now,
	})
	cancel()
	if err != nil {
		rep.fail(s.logger, "quarantining orphan failed", err, "bucket", obj.Bucket, "key", obj.Key)
		return false
	}

	f := Finding{Kind: KindOrphanedBlob, Bucket: obj.Bucket, Key: obj.Key, Action: ActionQuarantined}
	born := obj.LastModified
	if born.IsZero() {
		born = entry.FirstSeenAt
	}
	if s.opts.Policy != PolicyDeleteAfterGrace || now.Sub(born) < s.opts.OrphanGrace {
		f.Detail = fmt.Sprintf("unreferenced since %s", entry.FirstSeenAt.Format(time.RFC3339))
		rep.add(s.logger, f)
		return true
	}

	// A row may have committed after the referenced set was loaded.
	cctx, cancel := s.call(ctx)
	referenced, err := s.meta.IsBlobReferenced(cctx, obj.Bucket, obj.Key)
	cancel()
	if err != nil {
		rep.fail(s.logger, "reference re-check failed", err, "bucket", obj.Bucket, "key", obj.Key)
		return true
	}
	if referenced {
		s.clearQuarantine(ctx, obj.Bucket, obj.Key, rep)
		return false
	}

	dctx, cancel := s.call(ctx)
	err = s.blobs.Remove(dctx, obj.Bucket, obj.Key)
	cancel()
	if err != nil {
		f.Action = ActionFailed
		f.Detail = err.Error()
		rep.fail(s.logger, "deleting orphan failed", err, "bucket", obj.Bucket, "key", obj.Key)
		rep.add(s.logger, f)
		return true
	}
	f.Action = ActionDeleted
	f.Detail = fmt.Sprintf("older than grace period %s", s.opts.OrphanGrace)
	rep.add(s.logger, f)
	s.clearQuarantine(ctx, obj.Bucket, obj.Key, rep)
	return false
}

// pruneQuarantine drops ledger entries whose object is now referenced or no
// longer listed. Entries in buckets whose listing failed are left alone.
func (s *Service) pruneQuarantine(ctx context.Context, refs map[metadata.BlobRef]struct{}, orphans map[metadata.BlobRef]bool, listed map[string]bool, rep *collector) error {
	lctx, cancel := s.call(ctx)
	entries, err := s.meta.ListQuarantine(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("listing quarantine: %w", err)
	}

	remaining := 0
	for _, e := range entries {
		ref := metadata.BlobRef{Bucket: e.Bucket, Key: e.Key}
		_, referenced := refs[ref]
		switch {
		case orphans[ref]:
			remaining++
		case referenced, listed[e.Bucket]:
			if s.clearQuarantine(ctx, e.Bucket, e.Key, rep) {
				rep.mu.Lock()
				rep.report.QuarantineCleared++
				rep.mu.Unlock()
			} else {
				remaining++
			}
		default:
			remaining++
		}
	}
	metrics.QuarantinedBlobs.Set(float64(remaining))
	return nil
}

func (s *Service) clearQuarantine(ctx context.Context, bucket, key string, rep *collector) bool {
	dctx, cancel := s.call(ctx)
	err := s.meta.DeleteQuarantine(dctx, bucket, key)
	cancel()
	if err != nil {
		rep.fail(s.logger, "clearing quarantine entry failed", err, "bucket", bucket, "key", key)
		return false
	}
	return true
}
