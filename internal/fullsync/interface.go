package fullsync

import (
	"context"

	"github.com/replicasync/replica/internal/wire"
)

// Remote is the subset of the wire client full sync needs.
type Remote interface {
	// FullSyncStart opens a session over the server's copy of table.
	FullSyncStart(ctx context.Context, table string, pageSize int) (*wire.FullSyncStartResponse, error)

	// FullSyncBatch returns one page (1-based) of an open session.
	FullSyncBatch(ctx context.Context, sessionID string, page int) (*wire.FullSyncBatchResponse, error)

	// FullSyncFinish releases the session. It is called exactly once per
	// successful FullSyncStart.
	FullSyncFinish(ctx context.Context, sessionID string) error

	// IncrementalSync uploads historical rows as INSERTs.
	IncrementalSync(ctx context.Context, table string, items []wire.SyncItem) (*wire.IncrementalSyncResponse, error)
}

var _ Remote = (*wire.Client)(nil)

// Phase identifies a point in a table's full sync.
type Phase string

const (
	PhaseStarted    Phase = "started"
	PhasePage       Phase = "page"
	PhaseHistorical Phase = "historical"
	PhaseFinished   Phase = "finished"
	PhaseFailed     Phase = "failed"
)

// Progress is reported to an Observer as a full sync advances.
type Progress struct {
	Table      string
	Phase      Phase
	Mode       Mode
	Page       int
	TotalPages int
	TotalCount int
	// Applied counts rows written locally so far.
	Applied int
	Err     error
}

// Observer receives progress. It is called synchronously from the sync
// goroutine and must not block.
type Observer func(Progress)
