package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/conflict"
	"github.com/replicasync/replica/internal/crypto"
	"github.com/replicasync/replica/internal/metrics"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	"github.com/replicasync/replica/internal/wire"
)

// ErrAuthPaused is returned when a cycle stops because the server rejected
// the credentials. Sync stays paused until new credentials are installed.
var ErrAuthPaused = errors.New("sync paused: authentication required")

// Config tunes the upload and download paths.
type Config struct {
	// BatchSize is the number of folded changes per upload request.
	BatchSize int
	// MaxConcurrentBatches bounds in-flight upload requests.
	MaxConcurrentBatches int
	// MaxConcurrentPages bounds pages processed at once on the paged path.
	MaxConcurrentPages int
	// SmartThreshold is the pending count above which uploads are paged.
	SmartThreshold int
	// AdaptivePageSize derives the page size from the pending volume.
	AdaptivePageSize bool
	// PageSize is the paged-path page size when AdaptivePageSize is off.
	PageSize int
	// InterPageDelay is slept between launching pages.
	InterPageDelay time.Duration
	// ChangesLimit is the page size requested from the change feed.
	ChangesLimit int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		MaxConcurrentBatches: 3,
		MaxConcurrentPages:   2,
		SmartThreshold:       500,
		AdaptivePageSize:     true,
		PageSize:             200,
		InterPageDelay:       100 * time.Millisecond,
		ChangesLimit:         100,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if c.MaxConcurrentPages <= 0 {
		c.MaxConcurrentPages = d.MaxConcurrentPages
	}
	if c.SmartThreshold <= 0 {
		c.SmartThreshold = d.SmartThreshold
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.InterPageDelay < 0 {
		c.InterPageDelay = 0
	}
	if c.ChangesLimit <= 0 {
		c.ChangesLimit = d.ChangesLimit
	}
}

// Engine runs incremental uploads and downloads for every catalog table.
// It is safe for concurrent use, though callers normally serialize cycles
// through the daemon's SyncState.
type Engine struct {
	store    *store.Store
	catalog  *catalog.Catalog
	remote   Remote
	sealer   *crypto.Sealer
	resolver *conflict.Resolver
	retry    *retry.Manager
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithResolver replaces the default conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithRetry sets the retry policy used for uploads and feed requests.
// Only transient wire errors are retried regardless of the manager's
// own classifier.
func WithRetry(m *retry.Manager) Option {
	return func(e *Engine) { e.retry = m }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. It fails with crypto.ErrGatewayUnavailable when gw
// is nil or not ready, so plaintext sensitive fields can never be uploaded.
func New(st *store.Store, remote Remote, gw crypto.Gateway, cfg Config, opts ...Option) (*Engine, error) {
	sealer, err := crypto.NewSealer(gw)
	if err != nil {
		return nil, fmt.Errorf("sync engine refused to start: %w", err)
	}
	if st == nil || remote == nil {
		return nil, errors.New("sync engine requires a store and a remote")
	}
	cfg.applyDefaults()

	e := &Engine{
		store:   st,
		catalog: st.Catalog(),
		remote:  remote,
		sealer:  sealer,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver()
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultConfig(), nil, e.logger)
	}
	e.retry = e.retry.WithClassifier(wire.IsTransient)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Store returns the local store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Resolver returns the conflict resolver shared with full sync.
func (e *Engine) Resolver() *conflict.Resolver {
	return e.resolver
}

// Sealer returns the envelope sealer shared with full sync.
func (e *Engine) Sealer() *crypto.Sealer {
	return e.sealer
}

// UploadResult summarizes one table's upload.
type UploadResult struct {
	Table     string
	Pending   int
	Uploaded  int
	Dropped   int
	Conflicts int
	Deferred  int
	Failed    int
	Pages     int
}

func (r *UploadResult) add(o UploadResult) {
	r.Pending += o.Pending
	r.Uploaded += o.Uploaded
	r.Dropped += o.Dropped
	r.Conflicts += o.Conflicts
	r.Deferred += o.Deferred
	r.Failed += o.Failed
}

// IncrementalSync uploads every pending entry of table in one pass.
func (e *Engine) IncrementalSync(ctx context.Context, table string) (UploadResult, error) {
	res := UploadResult{Table: table}
	t, ok := e.catalog.Table(table)
	if !ok {
		return res, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}

	entries, err := e.store.PendingChanges(ctx, table, 0, 0)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	up, err := e.uploadEntries(ctx, t, entries, retry.NewSemaphore(e.cfg.MaxConcurrentBatches))
	res.add(up)
	res.Pages = 1
	e.updatePending(ctx, table)
	return res, err
}

// IncrementalSyncSmart picks the single-pass path for small backlogs and
// the paged path above SmartThreshold. Pages never split one record's
// entries, are compressed independently, and are launched with a short
// delay between them.
func (e *Engine) IncrementalSyncSmart(ctx context.Context, table string) (UploadResult, error) {
	res := UploadResult{Table: table}
	t, ok := e.catalog.Table(table)
	if !ok {
		return res, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}

	total, err := e.store.TotalPendingCount(ctx, table)
	if err != nil {
		return res, err
	}
	if total == 0 {
		return res, nil
	}
	if total <= e.cfg.SmartThreshold {
		return e.IncrementalSync(ctx, table)
	}

	groups, err := e.store.PendingUUIDGroups(ctx, table)
	if err != nil {
		return res, err
	}
	pageSize := e.pageSize(total)
	pages := splitGroups(groups, pageSize)
	e.logger.Info("paged upload",
		"table", table, "pending", total, "page_size", pageSize, "pages", len(pages))

	var (
		pageSem  = retry.NewSemaphore(e.cfg.MaxConcurrentPages)
		batchSem = retry.NewSemaphore(e.cfg.MaxConcurrentBatches)
		results  = make([]UploadResult, len(pages))
		errs     = make([]error, len(pages))
		stop     atomic.Bool
		g        errgroup.Group
	)

launch:
	for i, ids := range pages {
		if stop.Load() {
			break
		}
		if i > 0 && e.cfg.InterPageDelay > 0 {
			select {
			case <-time.After(e.cfg.InterPageDelay):
			case <-ctx.Done():
				break launch
			}
		}
		if err := pageSem.Acquire(ctx); err != nil {
			break
		}
		res.Pages++
		g.Go(func() error {
			defer pageSem.Release()
			entries, err := e.store.PendingChangesForUUIDs(ctx, table, ids)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = e.uploadEntries(ctx, t, entries, batchSem)
			if wire.IsAuthError(errs[i]) || wire.IsNetworkUnavailable(errs[i]) {
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range pages {
		res.add(results[i])
	}
	e.updatePending(ctx, table)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// pageSize grows with the backlog so large backlogs need fewer round trips.
func (e *Engine) pageSize(total int) int {
	if !e.cfg.AdaptivePageSize {
		return e.cfg.PageSize
	}
	switch {
	case total <= 1000:
		return 100
	case total <= 10000:
		return 250
	default:
		return 500
	}
}

// splitGroups packs records into pages of roughly size entries. A record
// with more entries than size gets a page of its own.
func splitGroups(groups []store.UUIDGroup, size int) [][]string {
	var (
		pages [][]string
		cur   []string
		n     int
	)
	for _, g := range groups {
		if len(cur) > 0 && n+g.Count > size {
			pages = append(pages, cur)
			cur, n = nil, 0
		}
		cur = append(cur, g.UUID)
		n += g.Count
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

func (e *Engine) updatePending(ctx context.Context, table string) {
	if n, err := e.store.TotalPendingCount(ctx, table); err == nil {
		e.metrics.SetPending(table, n)
	}
}

// uploadEntries compresses entries and uploads the result in batches. A
// failing batch never aborts its siblings; the errors are joined.
func (e *Engine) uploadEntries(ctx context.Context, t *catalog.Table, entries []model.ChangeLogEntry, sem *retry.Semaphore) (UploadResult, error) {
	res := UploadResult{Table: t.Name, Pending: len(entries)}

	comp := Compress(entries)
	if err := e.store.MarkSynced(ctx, comp.Dropped); err != nil {
		return res, err
	}
	res.Dropped = len(comp.Dropped)
	e.metrics.Compressed(t.Name, len(entries)-len(comp.Changes))

	var batches [][]Change
	for start := 0; start < len(comp.Changes); start += e.cfg.BatchSize {
		batches = append(batches, comp.Changes[start:min(start+e.cfg.BatchSize, len(comp.Changes))])
	}

	results := make([]UploadResult, len(batches))
	errs := make([]error, len(batches))
	var g errgroup.Group
	for i, batch := range batches {
		g.Go(func() error {
			results[i], errs[i] = e.uploadBatch(ctx, t, batch, sem)
			return nil
		})
	}
	_ = g.Wait()

	for i := range batches {
		res.add(results[i])
	}
	return res, errors.Join(errs...)
}

func (e *Engine) uploadBatch(ctx context.Context, t *catalog.Table, batch []Change, sem *retry.Semaphore) (UploadResult, error) {
	var res UploadResult
	if err := sem.Acquire(ctx); err != nil {
		res.Deferred = len(batch)
		return res, err
	}
	defer sem.Release()

	items, err := e.buildItems(t, batch)
	if err != nil {
		res.Failed = len(batch)
		return res, err
	}

	resp, err := retry.Value(ctx, e.retry, "incremental-sync "+t.Name, func(ctx context.Context) (*wire.IncrementalSyncResponse, error) {
		return e.remote.IncrementalSync(ctx, t.Name, items)
	})
	if err != nil {
		return e.failBatch(ctx, t, batch, err)
	}
	if !resp.Success && len(resp.Conflicts) == 0 {
		return e.failBatch(ctx, t, batch, &wire.Error{
			Op:      "incremental-sync",
			Kind:    wire.KindTransient,
			Message: "server did not accept the batch",
		})
	}
	return e.settleBatch(ctx, t, batch, items, resp)
}

// buildItems seals sensitive fields. DELETE items carry no data.
func (e *Engine) buildItems(t *catalog.Table, batch []Change) ([]wire.SyncItem, error) {
	items := make([]wire.SyncItem, len(batch))
	for i, ch := range batch {
		item := wire.SyncItem{
			UUID:      ch.Entry.RecordUUID,
			Operation: ch.Entry.Operation,
		}
		if ch.Entry.Operation == model.OpDelete {
			item.Version = ch.Entry.BeforeData.Version()
		} else {
			sealed, err := e.sealer.Seal(t, ch.Entry.AfterData)
			if err != nil {
				return nil, err
			}
			item.Version = ch.Entry.AfterData.Version()
			item.Data = sealed
		}
		items[i] = item
	}
	return items, nil
}

func (e *Engine) failBatch(ctx context.Context, t *catalog.Table, batch []Change, cause error) (UploadResult, error) {
	var res UploadResult
	var ids []int64
	for _, ch := range batch {
		ids = append(ids, ch.SourceIDs...)
	}

	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		res.Deferred = len(batch)
		return res, cause
	case wire.IsNetworkUnavailable(cause):
		res.Deferred = len(batch)
		e.logger.Info("server unreachable, upload deferred", "table", t.Name, "changes", len(batch))
		return res, cause
	case wire.IsAuthError(cause):
		res.Deferred = len(batch)
		return res, fmt.Errorf("%w: %w", ErrAuthPaused, cause)
	case wire.IsTransient(cause):
		res.Failed = len(batch)
		if err := e.store.MarkRetry(ctx, ids, cause.Error()); err != nil {
			return res, errors.Join(cause, err)
		}
	default:
		res.Failed = len(batch)
		if err := e.store.MarkConflict(ctx, ids, cause.Error()); err != nil {
			return res, errors.Join(cause, err)
		}
	}
	e.logger.Warn("upload batch failed", "table", t.Name, "changes", len(batch), "error", cause)
	return res, fmt.Errorf("upload %s: %w", t.Name, cause)
}

// settleBatch marks accepted changes synced, records per-uuid conflicts,
// and raises local versions to the server's post-commit version.
func (e *Engine) settleBatch(ctx context.Context, t *catalog.Table, batch []Change, items []wire.SyncItem, resp *wire.IncrementalSyncResponse) (UploadResult, error) {
	var res UploadResult
	rejected := make(map[string]string, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		rejected[c.UUID] = c.Reason
	}

	var synced []int64
	for i, ch := range batch {
		id := ch.Entry.RecordUUID
		if reason, ok := rejected[id]; ok {
			if reason == "" {
				reason = "rejected by server"
			}
			if err := e.store.MarkConflict(ctx, ch.SourceIDs, reason); err != nil {
				return res, err
			}
			_, err := e.store.RecordConflict(ctx, model.Conflict{
				TableName:  t.Name,
				RecordUUID: id,
				LocalData:  ch.Entry.AfterData,
				Reason:     reason,
			})
			if err != nil {
				return res, err
			}
			res.Conflicts++
			e.metrics.Conflict(t.Name, "upload")
			e.logger.Warn("upload conflict", "table", t.Name, "uuid", id, "reason", reason)
			continue
		}

		synced = append(synced, ch.SourceIDs...)
		res.Uploaded++
		e.metrics.Uploaded(t.Name, string(ch.Entry.Operation), 1)

		if ch.Entry.Operation == model.OpDelete {
			continue
		}
		version, ok := resp.Versions[id]
		if !ok && ch.Entry.Operation == model.OpUpdate {
			version, ok = items[i].Version+1, true
		}
		if ok {
			if err := e.store.SetVersion(ctx, t.Name, id, version); err != nil {
				return res, err
			}
		}
	}

	if err := e.store.MarkSynced(ctx, synced); err != nil {
		return res, err
	}
	return res, nil
}
