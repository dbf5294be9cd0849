// Package sync moves local change-log entries to the server and applies
// server changes locally.
//
// The upload path reads pending entries oldest first, folds them with
// Compress, seals sensitive fields, and uploads them in bounded batches.
// The download path walks the server's change feed from a persisted cursor
// and writes each change back under the store's remote-apply guard.
package sync

import (
	"context"

	"github.com/replicasync/replica/internal/wire"
)

// Remote is the subset of the wire client the engine needs.
//
// *wire.Client satisfies it. Tests may substitute a fake, though the
// in-memory wiretest server is usually simpler.
type Remote interface {
	// IncrementalSync uploads one batch of folded changes for a table.
	//
	// The response lists per-uuid conflicts; every uuid not listed was
	// accepted. When the server reports post-commit versions they are used
	// verbatim, otherwise the engine assumes the server added exactly one.
	IncrementalSync(ctx context.Context, table string, items []wire.SyncItem) (*wire.IncrementalSyncResponse, error)

	// GetChanges returns server changes with a sequence id above since.
	GetChanges(ctx context.Context, since int64, limit int) (*wire.ChangesResponse, error)

	// DeviceID identifies this device. Feed entries it authored are skipped.
	DeviceID() string
}

var _ Remote = (*wire.Client)(nil)
