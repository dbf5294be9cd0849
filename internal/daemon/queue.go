package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/store"
	syncengine "github.com/replicasync/replica/internal/sync"
)

// Uploader uploads one table's pending changes. *sync.Engine implements it.
type Uploader interface {
	IncrementalSyncSmart(ctx context.Context, table string) (syncengine.UploadResult, error)
}

var _ Uploader = (*syncengine.Engine)(nil)

// TriggerQueue collects table notifications from the store's write path
// and uploads each table once writes to it have settled for Debounce.
// Notify only records the table, so local writes never wait on the network.
type TriggerQueue struct {
	uploader Uploader
	state    *SyncState
	poller   *Poller
	debounce time.Duration
	logger   *slog.Logger
	onUpload func(syncengine.UploadResult, error)

	mu      sync.Mutex
	pending map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ store.Notifier = (*TriggerQueue)(nil)

// NewTriggerQueue creates a queue. poller may be nil; when set, the queue
// holds its tables while the poller is paused for authentication.
func NewTriggerQueue(u Uploader, state *SyncState, poller *Poller, debounce time.Duration, logger *slog.Logger) *TriggerQueue {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerQueue{
		uploader: u,
		state:    state,
		poller:   poller,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}
}

// OnUpload registers fn to be called after every table upload.
func (q *TriggerQueue) OnUpload(fn func(syncengine.UploadResult, error)) {
	q.onUpload = fn
}

// Notify queues table. Repeated notifications push its upload back.
func (q *TriggerQueue) Notify(table string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[table] = time.Now()
}

// Len returns the number of queued tables.
func (q *TriggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start drains the queue in the background until Stop or ctx is done.
func (q *TriggerQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.debounce / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Drain(ctx)
			}
		}
	}()
}

// Stop halts draining and waits for an in-flight upload to return.
func (q *TriggerQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Drain uploads every table whose last notification is older than the
// debounce window. Tables stay queued while another sync runs or the
// poller is paused for authentication. It returns the tables uploaded.
func (q *TriggerQueue) Drain(ctx context.Context) []string {
	if q.poller != nil && q.poller.AuthPaused() {
		return nil
	}

	now := time.Now()
	q.mu.Lock()
	var ready []string
	for table, at := range q.pending {
		if now.Sub(at) >= q.debounce {
			ready = append(ready, table)
		}
	}
	q.mu.Unlock()
	if len(ready) == 0 {
		return nil
	}

	if !q.state.TryEnter(KindIncremental) {
		return nil
	}
	defer q.state.Leave()

	var done []string
	for _, table := range ready {
		if ctx.Err() != nil {
			break
		}
		q.mu.Lock()
		if at, ok := q.pending[table]; ok && !at.After(now) {
			delete(q.pending, table)
		}
		q.mu.Unlock()

		res, err := q.uploader.IncrementalSyncSmart(ctx, table)
		if q.onUpload != nil {
			q.onUpload(res, err)
		}
		done = append(done, table)
		if err == nil {
			continue
		}
		if isAuthFailure(err) {
			if q.poller != nil {
				q.poller.pauseForAuth(err)
			}
			q.Notify(table)
			break
		}
		q.logger.Debug("triggered upload incomplete", "table", table, "error", err)
	}
	return done
}
