package sync

import (
	"context"
	"fmt"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/store"
)

// ResolveConflict closes a recorded conflict with the user's choice.
//
//   - keep_local rewrites the local row above the server's version and
//     captures it, so the next cycle uploads it
//   - take_server writes the server copy and settles pending entries
//   - dismissed closes the conflict and leaves the data alone
func (e *Engine) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	c, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.ResolvedAt != nil {
		return fmt.Errorf("%w: open conflict %d", store.ErrNotFound, id)
	}
	if _, ok := e.catalog.Table(c.TableName); !ok {
		return fmt.Errorf("%w: %s", store.ErrUnknownTable, c.TableName)
	}

	switch resolution {
	case model.ResolutionKeepLocal:
		local, err := e.store.GetRecord(ctx, c.TableName, c.RecordUUID)
		if err != nil {
			return err
		}
		rec := local.WithVersion(max(local.Version(), c.ServerData.Version()) + 1)
		delete(rec, model.FieldUpdatedAt)
		if _, err := e.store.WriteMerged(ctx, c.TableName, rec); err != nil {
			return err
		}
	case model.ResolutionTakeServer:
		if c.ServerData == nil {
			return fmt.Errorf("conflict %d has no server copy", id)
		}
		if err := e.upsertRemote(ctx, c.TableName, c.ServerData); err != nil {
			return err
		}
		if err := e.store.MarkSuperseded(ctx, c.TableName, c.RecordUUID); err != nil {
			return err
		}
	case model.ResolutionDismissed:
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := e.store.ResolveConflict(ctx, id, resolution); err != nil {
		return err
	}
	e.logger.Info("conflict resolved", "id", id, "table", c.TableName, "uuid", c.RecordUUID, "resolution", resolution)
	return nil
}
