package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/metrics"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	"github.com/replicasync/replica/internal/wire"
)

// DownloadResult summarizes one pass over the change feed.
type DownloadResult struct {
	Applied   int
	Merged    int
	KeptLocal int
	Conflicts int
	Skipped   int
	Cursor    int64
}

// Changed reports whether the pass modified local state.
func (r DownloadResult) Changed() bool {
	return r.Applied+r.Merged+r.Conflicts > 0
}

// DownloadAndApplyCloudChanges walks the change feed from the persisted
// cursor. Changes are applied in ascending sequence order and the cursor is
// persisted after each one, so a crash redelivers at most the change that
// was in flight.
func (e *Engine) DownloadAndApplyCloudChanges(ctx context.Context) (DownloadResult, error) {
	var res DownloadResult
	cursor, err := e.store.LastSequenceID(ctx)
	if err != nil {
		return res, err
	}

	for {
		since := cursor
		resp, err := e.fetchChanges(ctx, since)
		if err != nil {
			res.Cursor = cursor
			return res, err
		}

		changes := slices.Clone(resp.Changes)
		slices.SortStableFunc(changes, func(a, b model.RemoteChange) int {
			switch {
			case a.SequenceID < b.SequenceID:
				return -1
			case a.SequenceID > b.SequenceID:
				return 1
			}
			return 0
		})

		for _, ch := range changes {
			if ch.SequenceID <= cursor {
				continue
			}
			if err := e.applyChange(ctx, ch, &res); err != nil {
				res.Cursor = cursor
				return res, fmt.Errorf("failed to apply change %d (%s/%s): %w", ch.SequenceID, ch.TableName, ch.RecordUUID, err)
			}
			if err := e.store.SetLastSequenceID(ctx, ch.SequenceID); err != nil {
				res.Cursor = cursor
				return res, err
			}
			cursor = ch.SequenceID
		}

		if resp.LastSequenceID > cursor {
			if err := e.store.SetLastSequenceID(ctx, resp.LastSequenceID); err != nil {
				res.Cursor = cursor
				return res, err
			}
			cursor = resp.LastSequenceID
		}
		e.metrics.SetLastSequenceID(cursor)

		if !resp.HasMore {
			break
		}
		if cursor == since {
			e.logger.Warn("change feed reported more pages without advancing", "cursor", cursor)
			break
		}
	}

	res.Cursor = cursor
	return res, nil
}

func (e *Engine) fetchChanges(ctx context.Context, since int64) (*wire.ChangesResponse, error) {
	resp, err := retry.Value(ctx, e.retry, "get-changes", func(ctx context.Context) (*wire.ChangesResponse, error) {
		return e.remote.GetChanges(ctx, since, e.cfg.ChangesLimit)
	})
	if wire.IsAuthError(err) {
		return nil, fmt.Errorf("%w: %w", ErrAuthPaused, err)
	}
	return resp, err
}

func (e *Engine) applyChange(ctx context.Context, ch model.RemoteChange, res *DownloadResult) error {
	if ch.DeviceID != "" && ch.DeviceID == e.remote.DeviceID() {
		res.Skipped++
		return nil
	}
	t, ok := e.catalog.Table(ch.TableName)
	if !ok {
		e.logger.Warn("skipping change for unknown table", "table", ch.TableName, "sequence_id", ch.SequenceID)
		res.Skipped++
		return nil
	}

	switch ch.Operation {
	case model.OpDelete:
		err := e.store.ApplyRemote(ctx, func(ctx context.Context) error {
			if err := e.store.DeleteRemote(ctx, t.Name, ch.RecordUUID); err != nil {
				return err
			}
			return e.store.MarkSuperseded(ctx, t.Name, ch.RecordUUID)
		})
		if err != nil {
			return err
		}
		res.Applied++
		e.metrics.Downloaded(t.Name, "delete")
		return nil
	case model.OpInsert, model.OpUpdate:
		server, err := e.openServerRecord(t, ch.RecordUUID, ch.Data)
		if err != nil {
			return err
		}
		return e.applyServerRecord(ctx, t, server, res)
	default:
		e.logger.Warn("skipping change with unknown operation", "operation", ch.Operation, "sequence_id", ch.SequenceID)
		res.Skipped++
		return nil
	}
}

// openServerRecord decrypts the envelope and normalizes a server payload.
func (e *Engine) openServerRecord(t *catalog.Table, id string, data model.Record) (model.Record, error) {
	opened, err := e.sealer.Open(t, data)
	if err != nil {
		return nil, err
	}
	if opened.UUID() == "" {
		opened[model.FieldUUID] = id
	}
	return t.Normalize(opened)
}

// applyServerRecord writes a server copy locally. Rows with pending local
// changes go through the conflict resolver first.
func (e *Engine) applyServerRecord(ctx context.Context, t *catalog.Table, server model.Record, res *DownloadResult) error {
	id := server.UUID()
	local, err := e.store.GetRecord(ctx, t.Name, id)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	pending := false
	if local != nil {
		p, err := e.store.PendingUUIDs(ctx, t.Name, []string{id})
		if err != nil {
			return err
		}
		pending = p[id]
	}

	action, err := e.Reconcile(ctx, t, local, server, pending)
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
	e.metrics.Downloaded(t.Name, string(action))
	return nil
}

// Reconcile settles one server record against its local copy and returns
// what was done. local may be nil. Without pending local changes the
// server copy is written as is, keeping the higher of the two versions.
// Otherwise the resolver decides:
//
//   - apply_server overwrites the row and supersedes the pending entries
//   - merge writes the merged row as a captured local update
//   - keep_local leaves everything untouched
//   - conflict fails the pending entries and records the conflict
func (e *Engine) Reconcile(ctx context.Context, t *catalog.Table, local, server model.Record, pending bool) (model.MergeAction, error) {
	if local == nil || !pending {
		if local != nil && local.Version() > server.Version() {
			server = server.WithVersion(local.Version())
		}
		if err := e.upsertRemote(ctx, t.Name, server); err != nil {
			return "", err
		}
		return model.ActionApplyServer, nil
	}

	result := e.resolver.Resolve(t, local, server)
	switch result.Action {
	case model.ActionApplyServer:
		if err := e.upsertRemote(ctx, t.Name, result.Record); err != nil {
			return "", err
		}
		if err := e.store.MarkSuperseded(ctx, t.Name, server.UUID()); err != nil {
			return "", err
		}
	case model.ActionMerge:
		// Captured as a local UPDATE so the merged row is uploaded.
		if _, err := e.store.WriteMerged(ctx, t.Name, result.Record); err != nil {
			return "", err
		}
	case model.ActionConflict:
		if err := e.recordConflict(ctx, t, local, server, result.ConflictReason); err != nil {
			return "", err
		}
	}
	return result.Action, nil
}

func (e *Engine) upsertRemote(ctx context.Context, table string, rec model.Record) error {
	return e.store.ApplyRemote(ctx, func(ctx context.Context) error {
		return e.store.UpsertRemote(ctx, table, rec)
	})
}

// recordConflict persists an unresolved conflict and fails the pending
// entries it blocks.
func (e *Engine) recordConflict(ctx context.Context, t *catalog.Table, local, server model.Record, reason string) error {
	id := local.UUID()
	entries, err := e.store.PendingChangesForUUIDs(ctx, t.Name, []string{id})
	if err != nil {
		return err
	}
	ids := make([]int64, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	if err := e.store.MarkConflict(ctx, ids, reason); err != nil {
		return err
	}
	if _, err := e.store.RecordConflict(ctx, model.Conflict{
		TableName:  t.Name,
		RecordUUID: id,
		LocalData:  local,
		ServerData: server,
		Reason:     reason,
	}); err != nil {
		return err
	}
	e.metrics.Conflict(t.Name, "resolve")
	e.logger.Warn("unresolved conflict", "table", t.Name, "uuid", id, "reason", reason)
	return nil
}

// CycleResult summarizes one RunCycle.
type CycleResult struct {
	Uploads  []UploadResult
	Download DownloadResult
	Duration time.Duration
}

// Uploaded returns the number of changes the server accepted.
func (r CycleResult) Uploaded() int {
	n := 0
	for _, u := range r.Uploads {
		n += u.Uploaded
	}
	return n
}

// Conflicts returns conflicts found in either direction.
func (r CycleResult) Conflicts() int {
	n := r.Download.Conflicts
	for _, u := range r.Uploads {
		n += u.Conflicts
	}
	return n
}

// ChangesFound reports whether anything moved in either direction.
func (r CycleResult) ChangesFound() bool {
	if r.Download.Changed() {
		return true
	}
	for _, u := range r.Uploads {
		if u.Uploaded+u.Dropped+u.Conflicts > 0 {
			return true
		}
	}
	return false
}

// RunCycle uploads every table's pending changes and then downloads remote
// changes. Auth and network failures end the cycle early; other failures
// are collected and the cycle continues.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var (
		res  CycleResult
		errs []error
	)

	finish := func(err error) (CycleResult, error) {
		res.Duration = time.Since(start)
		outcome := metrics.OutcomeOK
		switch {
		case wire.IsNetworkUnavailable(err):
			outcome = metrics.OutcomeDeferred
		case err != nil:
			outcome = metrics.OutcomeError
		}
		e.metrics.ObserveCycle(res.Duration, outcome)
		return res, err
	}

	for _, table := range e.catalog.Names() {
		up, err := e.IncrementalSyncSmart(ctx, table)
		res.Uploads = append(res.Uploads, up)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrAuthPaused) || wire.IsNetworkUnavailable(err) || ctx.Err() != nil {
			return finish(err)
		}
		errs = append(errs, fmt.Errorf("upload %s: %w", table, err))
	}

	down, err := e.DownloadAndApplyCloudChanges(ctx)
	res.Download = down
	if err != nil {
		errs = append(errs, fmt.Errorf("download: %w", err))
	}

	if res.Uploaded() > 0 || down.Changed() {
		e.logger.Info("sync cycle complete",
			"uploaded", res.Uploaded(), "downloaded", down.Applied+down.Merged,
			"conflicts", res.Conflicts(), "cursor", down.Cursor)
	}
	return finish(errors.Join(errs...))
}
