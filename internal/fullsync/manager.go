package fullsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/crypto"
	"github.com/replicasync/replica/internal/metrics"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// ErrSessionActive is returned when a full sync of the same table is
// already running.
var ErrSessionActive = errors.New("full sync already running for table")

// Mode is the strategy chosen for a table.
type Mode string

const (
	// ModeReplace swaps in a shadow copy of the server's table.
	ModeReplace Mode = "replace"
	// ModeMerge reconciles server rows one page at a time.
	ModeMerge Mode = "merge"
)

const finishTimeout = 10 * time.Second

// Config tunes full sync.
type Config struct {
	// PageSize is requested from the server when opening a session.
	PageSize int
	// HistoricalBatchSize is the number of historical rows per upload.
	HistoricalBatchSize int
	// InterPageDelay is slept between page fetches. Zero disables it.
	InterPageDelay time.Duration
}

// DefaultConfig returns the full sync defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:            100,
		HistoricalBatchSize: 100,
		InterPageDelay:      100 * time.Millisecond,
	}
}

// Result summarizes one table's full sync.
type Result struct {
	Table          string
	Mode           Mode
	TotalCount     int
	Pages          int
	DuplicatePages int
	Applied        int
	Merged         int
	KeptLocal      int
	Conflicts      int
	Skipped        int
	Historical     int
	Duration       time.Duration
}

// Manager runs full syncs. A table has at most one session open at a time.
type Manager struct {
	engine   *syncengine.Engine
	store    *store.Store
	catalog  *catalog.Catalog
	sealer   *crypto.Sealer
	remote   Remote
	retry    *retry.Manager
	metrics  *metrics.Metrics
	observer Observer
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRetry sets the retry policy for page and upload requests. Only
// network and transient wire errors are retried.
func WithRetry(r *retry.Manager) Option {
	return func(m *Manager) { m.retry = r }
}

// WithMetrics records full sync activity on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithObserver reports progress to fn.
func WithObserver(fn Observer) Option {
	return func(m *Manager) { m.observer = fn }
}

// New creates a Manager that shares the engine's store, sealer and
// conflict resolver.
func New(engine *syncengine.Engine, remote Remote, cfg Config, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.PageSize
	}
	if cfg.HistoricalBatchSize <= 0 {
		cfg.HistoricalBatchSize = d.HistoricalBatchSize
	}

	m := &Manager{
		engine:  engine,
		store:   engine.Store(),
		catalog: engine.Store().Catalog(),
		sealer:  engine.Sealer(),
		remote:  remote,
		cfg:     cfg,
		active:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.retry == nil {
		m.retry = retry.New(retry.DefaultConfig(), nil, m.logger)
	}
	m.retry = m.retry.WithClassifier(wire.IsRetryable)
	return m
}

func (m *Manager) notify(p Progress) {
	if m.observer != nil {
		m.observer(p)
	}
}

func (m *Manager) claim(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[table] {
		return false
	}
	m.active[table] = true
	return true
}

func (m *Manager) release(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, table)
}

// SyncAll runs SyncTable for every catalog table. A failing table does not
// stop the others, except for authentication and network failures which
// would fail every remaining table the same way.
func (m *Manager) SyncAll(ctx context.Context) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, table := range m.catalog.Names() {
		res, err := m.SyncTable(ctx, table)
		results = append(results, res)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if errors.Is(err, syncengine.ErrAuthPaused) || wire.IsNetworkUnavailable(err) || ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}

// SyncTable reconciles one table with the server and then uploads its
// historical rows.
func (m *Manager) SyncTable(ctx context.Context, table string) (res Result, err error) {
	res = Result{Table: table}
	t, ok := m.catalog.Table(table)
	if !ok {
		return res, fmt.Errorf("%w: %s", store.ErrUnknownTable, table)
	}
	if !m.claim(table) {
		return res, fmt.Errorf("%w: %s", ErrSessionActive, table)
	}
	defer m.release(table)

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if wire.IsAuthError(err) && !errors.Is(err, syncengine.ErrAuthPaused) {
			err = fmt.Errorf("%w: %w", syncengine.ErrAuthPaused, err)
		}
		m.finishTable(ctx, &res, err)
	}()

	pending, err := m.store.TotalPendingCount(ctx, table)
	if err != nil {
		return res, err
	}
	historical, err := m.store.HistoricalRecordCount(ctx, table)
	if err != nil {
		return res, err
	}
	res.Mode = ModeMerge
	if pending == 0 && historical == 0 {
		res.Mode = ModeReplace
	}

	sess, err := m.openSession(ctx, table)
	if err != nil {
		return res, err
	}
	res.TotalCount = sess.TotalCount
	m.logger.Info("full sync started",
		"table", table, "mode", res.Mode, "total", sess.TotalCount,
		"pending", pending, "historical", historical)
	m.notify(Progress{Table: table, Phase: PhaseStarted, Mode: res.Mode, TotalCount: sess.TotalCount, TotalPages: sess.TotalPages()})

	err = func() error {
		defer m.closeSession(ctx, sess)
		if res.Mode == ModeReplace {
			err := m.replace(ctx, t, sess, &res)
			if !errors.Is(err, store.ErrSwapAborted) {
				return err
			}
			m.logger.Info("local changes appeared during replace, merging instead", "table", table)
			res.Mode = ModeMerge
			res.Applied, res.Pages, res.DuplicatePages, res.Skipped = 0, 0, 0, 0
		}
		return m.merge(ctx, t, sess, &res)
	}()
	if err != nil {
		return res, err
	}

	m.notify(Progress{Table: table, Phase: PhaseHistorical, Mode: res.Mode, Applied: res.Applied})
	res.Historical, err = m.uploadHistorical(ctx, t)
	return res, err
}

func (m *Manager) openSession(ctx context.Context, table string) (*model.FullSyncSession, error) {
	resp, err := retry.Value(ctx, m.retry, "full-sync-start "+table, func(ctx context.Context) (*wire.FullSyncStartResponse, error) {
		return m.remote.FullSyncStart(ctx, table, m.cfg.PageSize)
	})
	if err != nil {
		return nil, err
	}
	pageSize := resp.PageSize
	if pageSize <= 0 {
		pageSize = m.cfg.PageSize
	}
	return &model.FullSyncSession{
		SessionID:  resp.SessionID,
		TableName:  table,
		TotalCount: resp.TotalCount,
		PageSize:   pageSize,
	}, nil
}

// closeSession releases the server session even when ctx is already done.
func (m *Manager) closeSession(ctx context.Context, sess *model.FullSyncSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := m.remote.FullSyncFinish(ctx, sess.SessionID); err != nil {
		m.logger.Warn("failed to finish full sync session",
			"table", sess.TableName, "session", sess.SessionID, "error", err)
	}
}

func (m *Manager) finishTable(ctx context.Context, res *Result, err error) {
	outcome := metrics.OutcomeOK
	status := model.TableSynced
	switch {
	case wire.IsNetworkUnavailable(err):
		outcome, status = metrics.OutcomeDeferred, model.TableFailed
	case err != nil:
		outcome, status = metrics.OutcomeError, model.TableFailed
	}
	m.metrics.ObserveFullSync(res.Table, string(res.Mode), res.Duration, outcome)

	md, mdErr := m.store.GetSyncMetadata(context.WithoutCancel(ctx), res.Table)
	if mdErr == nil {
		md.SyncStatus = status
		if err == nil {
			md.LastSyncTime = time.Now().UTC()
			if v, vErr := m.store.MaxVersion(ctx, res.Table); vErr == nil {
				md.LastSyncVersion = v
			}
		}
		mdErr = m.store.UpdateSyncMetadata(context.WithoutCancel(ctx), md)
	}
	if mdErr != nil {
		m.logger.Warn("failed to update sync metadata", "table", res.Table, "error", mdErr)
	}

	if err != nil {
		m.logger.Warn("full sync failed", "table", res.Table, "mode", res.Mode, "error", err)
		m.notify(Progress{Table: res.Table, Phase: PhaseFailed, Mode: res.Mode, Applied: res.Applied, Err: err})
		return
	}
	m.logger.Info("full sync complete",
		"table", res.Table, "mode", res.Mode, "applied", res.Applied, "merged", res.Merged,
		"conflicts", res.Conflicts, "historical", res.Historical, "duration", res.Duration)
	m.notify(Progress{Table: res.Table, Phase: PhaseFinished, Mode: res.Mode, TotalCount: res.TotalCount, Applied: res.Applied})
}

// eachPage fetches pages in order and hands every page not seen before to
// fn. A page is retried by the retry manager before the walk is aborted.
func (m *Manager) eachPage(ctx context.Context, t *catalog.Table, sess *model.FullSyncSession, res *Result, fn func([]model.Record) error) error {
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		if page > 1 && m.cfg.InterPageDelay > 0 {
			select {
			case <-time.After(m.cfg.InterPageDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		resp, err := retry.Value(ctx, m.retry, fmt.Sprintf("full-sync-batch %s page %d", t.Name, page),
			func(ctx context.Context) (*wire.FullSyncBatchResponse, error) {
				return m.remote.FullSyncBatch(ctx, sess.SessionID, page)
			})
		if err != nil {
			return fmt.Errorf("failed to fetch page %d of %s: %w", page, t.Name, err)
		}
		sess.CurrentPage = page
		res.Pages++
		m.metrics.FullSyncPage(t.Name)

		switch {
		case resp.Checksum != "" && seen[resp.Checksum]:
			res.DuplicatePages++
			m.metrics.DuplicatePage()
			m.logger.Debug("skipping duplicate page", "table", t.Name, "page", page, "checksum", resp.Checksum)
		default:
			if resp.Checksum != "" {
				seen[resp.Checksum] = true
			}
			recs := m.openPage(t, resp.Data, res)
			if err := fn(recs); err != nil {
				return fmt.Errorf("failed to apply page %d of %s: %w", page, t.Name, err)
			}
		}

		total := resp.Pagination.TotalPages
		if total == 0 {
			total = sess.TotalPages()
		}
		m.notify(Progress{Table: t.Name, Phase: PhasePage, Page: page, TotalPages: total, TotalCount: sess.TotalCount, Applied: res.Applied + res.Merged})

		if resp.IsLast || len(resp.Data) == 0 || (total > 0 && page >= total) {
			sess.IsCompleted = true
			return nil
		}
	}
}

// openPage decrypts and normalizes server rows. Rows that cannot be
// opened are skipped so one bad row does not fail the page.
func (m *Manager) openPage(t *catalog.Table, data []model.Record, res *Result) []model.Record {
	out := make([]model.Record, 0, len(data))
	for _, raw := range data {
		opened, err := m.sealer.Open(t, raw)
		if err == nil {
			opened, err = t.Normalize(opened)
		}
		if err == nil && opened.UUID() == "" {
			err = errors.New("record has no uuid")
		}
		if err != nil {
			res.Skipped++
			m.logger.Warn("skipping server record", "table", t.Name, "uuid", raw.UUID(), "error", err)
			continue
		}
		out = append(out, opened)
	}
	return out
}

// replace streams every page into a shadow table and swaps it in.
func (m *Manager) replace(ctx context.Context, t *catalog.Table, sess *model.FullSyncSession, res *Result) error {
	if err := m.store.CreateShadow(ctx, t.Name); err != nil {
		return err
	}
	swapped := false
	defer func() {
		if swapped {
			return
		}
		if err := m.store.DropShadow(context.WithoutCancel(ctx), t.Name); err != nil {
			m.logger.Warn("failed to drop shadow table", "table", t.Name, "error", err)
		}
	}()

	err := m.eachPage(ctx, t, sess, res, func(recs []model.Record) error {
		if len(recs) == 0 {
			return nil
		}
		return m.store.ApplyRemote(ctx, func(ctx context.Context) error {
			return m.store.InsertShadow(ctx, t.Name, recs)
		})
	})
	if err != nil {
		return err
	}

	n, err := m.store.CountShadow(ctx, t.Name)
	if err != nil {
		return err
	}
	if n != sess.TotalCount {
		m.logger.Warn("shadow row count differs from session total", "table", t.Name, "rows", n, "total", sess.TotalCount)
	}

	if err := m.store.ApplyRemote(ctx, func(ctx context.Context) error {
		return m.store.SwapShadow(ctx, t.Name)
	}); err != nil {
		return err
	}
	swapped = true
	res.Applied = n
	return nil
}

// merge reconciles each page with the local rows it covers.
func (m *Manager) merge(ctx context.Context, t *catalog.Table, sess *model.FullSyncSession, res *Result) error {
	return m.eachPage(ctx, t, sess, res, func(recs []model.Record) error {
		if len(recs) == 0 {
			return nil
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.UUID()
		}
		locals, err := m.store.GetRecords(ctx, t.Name, ids)
		if err != nil {
			return err
		}
		pending, err := m.store.PendingUUIDs(ctx, t.Name, ids)
		if err != nil {
			return err
		}

		var direct []model.Record
		for _, server := range recs {
			id := server.UUID()
			local, ok := locals[id]
			if !ok || !pending[id] {
				if ok && local.Version() > server.Version() {
					server = server.WithVersion(local.Version())
				}
				direct = append(direct, server)
				continue
			}

			action, err := m.engine.Reconcile(ctx, t, local, server, true)
			if err != nil {
				return err
			}
			switch action {
			case model.ActionApplyServer:
				res.Applied++
			case model.ActionMerge:
				res.Merged++
			case model.ActionKeepLocal:
				res.KeptLocal++
			case model.ActionConflict:
				res.Conflicts++
			}
		}

		if len(direct) == 0 {
			return nil
		}
		if err := m.store.ApplyRemote(ctx, func(ctx context.Context) error {
			return m.store.UpsertRemote(ctx, t.Name, direct...)
		}); err != nil {
			return err
		}
		res.Applied += len(direct)
		return nil
	})
}

// uploadHistorical uploads rows the change log has never seen and
// back-fills a synced entry for each, so every row is uploaded once.
func (m *Manager) uploadHistorical(ctx context.Context, t *catalog.Table) (int, error) {
	uploaded := 0
	for {
		recs, err := m.store.HistoricalRecords(ctx, t.Name, m.cfg.HistoricalBatchSize)
		if err != nil {
			return uploaded, err
		}
		if len(recs) == 0 {
			break
		}

		items := make([]wire.SyncItem, len(recs))
		for i, rec := range recs {
			sealed, err := m.sealer.Seal(t, rec)
			if err != nil {
				return uploaded, err
			}
			items[i] = wire.SyncItem{
				UUID:      rec.UUID(),
				Operation: model.OpInsert,
				Version:   rec.Version(),
				Data:      sealed,
			}
		}

		resp, err := retry.Value(ctx, m.retry, "historical-upload "+t.Name, func(ctx context.Context) (*wire.IncrementalSyncResponse, error) {
			return m.remote.IncrementalSync(ctx, t.Name, items)
		})
		if err != nil {
			return uploaded, fmt.Errorf("failed to upload historical rows of %s: %w", t.Name, err)
		}
		if !resp.Success && len(resp.Conflicts) == 0 {
			return uploaded, fmt.Errorf("failed to upload historical rows of %s: server did not accept the batch", t.Name)
		}
		for _, c := range resp.Conflicts {
			m.logger.Warn("server rejected historical row", "table", t.Name, "uuid", c.UUID, "reason", c.Reason)
		}

		if err := m.store.BackfillChangeLog(ctx, t.Name, recs); err != nil {
			return uploaded, err
		}
		n := len(recs) - len(resp.Conflicts)
		uploaded += n
		m.metrics.HistoricalUploaded(t.Name, n)

		if len(recs) < m.cfg.HistoricalBatchSize {
			break
		}
	}
	if uploaded > 0 {
		m.logger.Info("uploaded historical rows", "table", t.Name, "count", uploaded)
	}
	return uploaded, nil
}
