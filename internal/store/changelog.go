package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/replicasync/replica/internal/model"
)

// entryColumns selects a change-log entry with its retry bookkeeping from
// entrySource.
const (
	entryColumns = `id, table_name, record_uuid, operation, after_data, before_data, created_at, sync_status, error_message,
	COALESCE(r.attempts, 0), r.last_error`
	entrySource = `change_log LEFT JOIN change_retries r ON r.entry_id = change_log.id`
)

// PendingChanges returns pending entries for table, oldest first.
// A limit <= 0 returns every pending entry.
func (s *Store) PendingChanges(ctx context.Context, table string, limit, offset int) ([]model.ChangeLogEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM ` + entrySource + `
	WHERE table_name = ? AND sync_status = 'pending'
	ORDER BY id`
	args := []any{table}
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return s.queryEntries(ctx, q, args...)
}

// PendingChangesForUUIDs returns pending entries for the given uuids, oldest first.
func (s *Store) PendingChangesForUUIDs(ctx context.Context, table string, ids []string) ([]model.ChangeLogEntry, error) {
	var out []model.ChangeLogEntry
	for start := 0; start < len(ids); start += maxBatchParams {
		chunk := ids[start:min(start+maxBatchParams, len(ids))]
		q := `SELECT ` + entryColumns + ` FROM ` + entrySource + `
		WHERE table_name = ? AND sync_status = 'pending' AND record_uuid IN (` + placeholders(len(chunk)) + `)
		ORDER BY id`
		entries, err := s.queryEntries(ctx, q, append([]any{table}, toArgs(chunk)...)...)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	// Chunks are each ordered; restore global creation order.
	if len(ids) > maxBatchParams {
		sortEntries(out)
	}
	return out, nil
}

// TotalPendingCount counts pending entries. An empty table counts every table.
func (s *Store) TotalPendingCount(ctx context.Context, table string) (int, error) {
	q := `SELECT COUNT(*) FROM change_log WHERE sync_status = 'pending'`
	var args []any
	if table != "" {
		q += ` AND table_name = ?`
		args = append(args, table)
	}
	var count int
	if err := s.conn.QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// UUIDGroup summarizes the pending entries of one record.
type UUIDGroup struct {
	UUID    string
	Count   int
	FirstID int64
}

// PendingUUIDGroups returns one group per record with pending entries,
// ordered by each record's oldest pending entry.
func (s *Store) PendingUUIDGroups(ctx context.Context, table string) ([]UUIDGroup, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT record_uuid, COUNT(*), MIN(id) FROM change_log
	WHERE table_name = ? AND sync_status = 'pending'
	GROUP BY record_uuid
	ORDER BY MIN(id)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to group pending changes: %w", err)
	}
	defer rows.Close()

	var groups []UUIDGroup
	for rows.Next() {
		var g UUIDGroup
		if err := rows.Scan(&g.UUID, &g.Count, &g.FirstID); err != nil {
			return nil, fmt.Errorf("failed to scan pending group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PendingUUIDs reports which of ids have pending entries.
func (s *Store) PendingUUIDs(ctx context.Context, table string, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(ids); start += maxBatchParams {
		chunk := ids[start:min(start+maxBatchParams, len(ids))]
		q := `SELECT DISTINCT record_uuid FROM change_log
		WHERE table_name = ? AND sync_status = 'pending' AND record_uuid IN (` + placeholders(len(chunk)) + `)`
		rows, err := s.conn.QueryContext(ctx, q, append([]any{table}, toArgs(chunk)...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending uuids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan pending uuid: %w", err)
			}
			out[id] = true
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkSynced moves pending entries to synced.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	return s.transition(ctx, ids, model.StatusSynced, "")
}

// MarkConflict moves pending entries to failed with reason.
func (s *Store) MarkConflict(ctx context.Context, ids []int64, reason string) error {
	return s.transition(ctx, ids, model.StatusFailed, reason)
}

// MarkRetry counts a failed upload attempt for entries that stay pending.
// The entries themselves are left as they are; attempts and the last error
// live in change_retries until the entry settles.
func (s *Store) MarkRetry(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	ts := now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
			INSERT INTO change_retries (entry_id, attempts, last_error, last_attempt)
			SELECT id, 1, ?, ? FROM change_log WHERE id = ? AND sync_status = 'pending'
			ON CONFLICT(entry_id) DO UPDATE SET
				attempts = attempts + 1,
				last_error = excluded.last_error,
				last_attempt = excluded.last_attempt`,
				nullString(reason), ts, id)
			if err != nil {
				return fmt.Errorf("failed to record retry for change %d: %w", id, err)
			}
		}
		return nil
	})
}

// MarkSuperseded settles every pending entry of a record whose server copy
// has been applied locally.
func (s *Store) MarkSuperseded(ctx context.Context, table, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
		DELETE FROM change_retries WHERE entry_id IN (
			SELECT id FROM change_log
			WHERE table_name = ? AND record_uuid = ? AND sync_status = 'pending')`, table, id); err != nil {
			return fmt.Errorf("failed to supersede %s/%s: %w", table, id, err)
		}
		_, err := tx.ExecContext(ctx, `
		UPDATE change_log SET sync_status = 'synced', error_message = 'superseded by server'
		WHERE table_name = ? AND record_uuid = ? AND sync_status = 'pending'`, table, id)
		if err != nil {
			return fmt.Errorf("failed to supersede %s/%s: %w", table, id, err)
		}
		return nil
	})
}

func (s *Store) transition(ctx context.Context, ids []int64, status model.SyncStatus, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += maxBatchParams {
			chunk := ids[start:min(start+maxBatchParams, len(ids))]
			args := []any{string(status), nullString(reason)}
			for _, id := range chunk {
				args = append(args, id)
			}
			q := `UPDATE change_log SET sync_status = ?, error_message = ?
			WHERE sync_status = 'pending' AND id IN (` + placeholders(len(chunk)) + `)`
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("failed to mark changes %s: %w", status, err)
			}
			q = `DELETE FROM change_retries WHERE entry_id IN (` + placeholders(len(chunk)) + `)`
			if _, err := tx.ExecContext(ctx, q, args[2:]...); err != nil {
				return fmt.Errorf("failed to clear retries: %w", err)
			}
		}
		return nil
	})
}

// HistoricalRecordCount counts rows that never appeared in the change log.
func (s *Store) HistoricalRecordCount(ctx context.Context, table string) (int, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s
	WHERE uuid NOT IN (SELECT record_uuid FROM change_log WHERE table_name = ?)`, quoteIdent(t.Name))
	var count int
	if err := s.conn.QueryRowContext(ctx, q, table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count historical records: %w", err)
	}
	return count, nil
}

// HistoricalRecords returns rows that never appeared in the change log.
// A limit <= 0 returns all of them.
func (s *Store) HistoricalRecords(ctx context.Context, table string, limit int) ([]model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
	WHERE uuid NOT IN (SELECT record_uuid FROM change_log WHERE table_name = ?)
	ORDER BY created_at, uuid`, columnList(t), quoteIdent(t.Name))
	args := []any{table}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return queryRecords(ctx, s.conn, t, q, args...)
}

// BackfillChangeLog writes one synced INSERT entry per record so uploaded
// historical rows are never uploaded again.
func (s *Store) BackfillChangeLog(ctx context.Context, table string, recs []model.Record) error {
	if _, err := s.table(table); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			if err := markSeen(ctx, tx, table, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChangeFilter selects entries for ListChanges.
type ChangeFilter struct {
	Table  string
	Status model.SyncStatus
	Since  time.Time
	Limit  int
}

// ListChanges returns entries matching filter, newest first.
func (s *Store) ListChanges(ctx context.Context, filter ChangeFilter) ([]model.ChangeLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, filter.Table)
	}
	if filter.Status != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, model.FormatTime(filter.Since))
	}

	q := `SELECT ` + entryColumns + ` FROM ` + entrySource
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryEntries(ctx, q, args...)
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]model.ChangeLogEntry, error) {
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var out []model.ChangeLogEntry
	for rows.Next() {
		var (
			e             model.ChangeLogEntry
			op, status    string
			after, before sql.NullString
			createdAt     string
			errMsg        sql.NullString
			lastErr       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordUUID, &op, &after, &before, &createdAt, &status, &errMsg,
			&e.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		e.Operation = model.Operation(op)
		e.SyncStatus = model.SyncStatus(status)
		e.CreatedAt = model.ParseTime(createdAt)
		e.ErrorMessage = errMsg.String
		e.LastError = lastErr.String

		if e.AfterData, err = s.decodeFor(e.TableName, after); err != nil {
			return nil, err
		}
		if e.BeforeData, err = s.decodeFor(e.TableName, before); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change log: %w", err)
	}
	return out, nil
}

// decodeFor decodes a stored snapshot and normalizes it to the table's types.
func (s *Store) decodeFor(table string, data sql.NullString) (model.Record, error) {
	r, err := decodeRecord(data)
	if err != nil || r == nil {
		return r, err
	}
	t, ok := s.catalog.Table(table)
	if !ok {
		return r, nil
	}
	return t.Normalize(r)
}

func sortEntries(entries []model.ChangeLogEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
