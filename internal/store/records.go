package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
)

// maxBatchParams bounds the number of uuids bound in one IN (...) clause.
const maxBatchParams = 500

// Insert stores a new local record and captures an INSERT.
// A uuid is generated when rec has none; version defaults to 1.
func (s *Store) Insert(ctx context.Context, table string, rec model.Record) (model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	row := t.Filter(rec)
	if row.UUID() == "" {
		row[model.FieldUUID] = uuid.NewString()
	}
	if row.Version() <= 0 {
		row[model.FieldVersion] = int64(1)
	}
	ts := now()
	if _, ok := row[model.FieldCreatedAt]; !ok {
		row[model.FieldCreatedAt] = ts
	}
	row[model.FieldUpdatedAt] = ts

	row, err = t.Normalize(row)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writeRow(ctx, tx, t, t.Name, row, false); err != nil {
			return err
		}
		return s.captureIn(ctx, tx, OriginLocal, table, row.UUID(), model.OpInsert, row, nil)
	})
	if err != nil {
		return nil, err
	}
	s.notify(table)
	return row, nil
}

// Update applies changes to an existing local record and captures an UPDATE.
// The uuid, version and created_at fields of changes are ignored.
func (s *Store) Update(ctx context.Context, table, id string, changes model.Record) (model.Record, error) {
	return s.update(ctx, table, id, changes, false)
}

// WriteMerged stores the result of a field-level merge as a local UPDATE,
// including its bumped version, so the merge is uploaded on the next cycle.
func (s *Store) WriteMerged(ctx context.Context, table string, rec model.Record) (model.Record, error) {
	return s.update(ctx, table, rec.UUID(), rec, true)
}

func (s *Store) update(ctx context.Context, table, id string, changes model.Record, withVersion bool) (model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	var after model.Record
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := getRecord(ctx, tx, t, t.Name, id)
		if err != nil {
			return err
		}

		after = before.Clone()
		for k, v := range t.Filter(changes) {
			switch k {
			case model.FieldUUID, model.FieldCreatedAt:
				continue
			case model.FieldVersion:
				if !withVersion {
					continue
				}
			}
			after[k] = v
		}
		if !withVersion || changes[model.FieldUpdatedAt] == nil {
			after[model.FieldUpdatedAt] = now()
		}
		after, err = t.Normalize(after)
		if err != nil {
			return err
		}

		if err := writeRow(ctx, tx, t, t.Name, after, true); err != nil {
			return err
		}
		return s.captureIn(ctx, tx, OriginLocal, table, id, model.OpUpdate, after, before)
	})
	if err != nil {
		return nil, err
	}
	s.notify(table)
	return after, nil
}

// Delete removes a local record and captures a DELETE.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := getRecord(ctx, tx, t, t.Name, id)
		if err != nil {
			return err
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE uuid = ?", quoteIdent(t.Name))
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
		}
		return s.captureIn(ctx, tx, OriginLocal, table, id, model.OpDelete, nil, before)
	})
	if err != nil {
		return err
	}
	s.notify(table)
	return nil
}

func (s *Store) captureIn(ctx context.Context, tx *sql.Tx, origin Origin, table, id string, op model.Operation, after, before model.Record) error {
	if !s.shouldCapture(ctx, origin) {
		return nil
	}
	return s.capture.CaptureChange(ctx, tx, model.ChangeLogEntry{
		TableName:  table,
		RecordUUID: id,
		Operation:  op,
		AfterData:  after,
		BeforeData: before,
	})
}

// UpsertRemote writes server-origin records without capturing them.
// Records that have never appeared in the change log get a synced marker
// entry so they are not later mistaken for historical data.
func (s *Store) UpsertRemote(ctx context.Context, table string, recs ...model.Record) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			row, err := prepareRemote(t, rec)
			if err != nil {
				return err
			}
			if err := writeRow(ctx, tx, t, t.Name, row, true); err != nil {
				return err
			}
			if err := markSeen(ctx, tx, table, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportRecords writes pre-existing rows without touching the change log,
// so they count as historical until full sync uploads them. Rows whose uuid
// already exists are skipped. It returns the number of rows written.
func (s *Store) ImportRecords(ctx context.Context, table string, recs []model.Record) (int, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.UUID())
	}
	existing, err := s.GetRecords(ctx, table, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			row, err := prepareRemote(t, rec)
			if err != nil {
				return err
			}
			if _, ok := existing[row.UUID()]; ok {
				continue
			}
			if err := writeRow(ctx, tx, t, t.Name, row, false); err != nil {
				return err
			}
			existing[row.UUID()] = row
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteRemote removes a record on behalf of the server without capturing it.
// Deleting a missing record is not an error.
func (s *Store) DeleteRemote(ctx context.Context, table, id string) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE uuid = ?", quoteIdent(t.Name))
	if _, err := s.conn.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

// SetVersion raises the stored version of a record. Lower versions are
// ignored so the counter never moves backwards. The write is not captured.
func (s *Store) SetVersion(ctx context.Context, table, id string, version int64) error {
	t, err := s.table(table)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("UPDATE %s SET version = ? WHERE uuid = ? AND version < ?", quoteIdent(t.Name))
	if _, err := s.conn.ExecContext(ctx, q, version, id, version); err != nil {
		return fmt.Errorf("failed to set version of %s/%s: %w", table, id, err)
	}
	return nil
}

// GetRecord returns one record or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, table, id string) (model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, s.conn, t, t.Name, id)
}

// GetRecords batch-fetches records by uuid. Missing uuids are absent from the map.
func (s *Store) GetRecords(ctx context.Context, table string, ids []string) (map[string]model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.Record, len(ids))
	for start := 0; start < len(ids); start += maxBatchParams {
		end := min(start+maxBatchParams, len(ids))
		chunk := ids[start:end]

		q := fmt.Sprintf("SELECT %s FROM %s WHERE uuid IN (%s)",
			columnList(t), quoteIdent(t.Name), placeholders(len(chunk)))
		recs, err := queryRecords(ctx, s.conn, t, q, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out[r.UUID()] = r
		}
	}
	return out, nil
}

// ListRecords returns records ordered by creation time.
// A limit <= 0 returns every record.
func (s *Store) ListRecords(ctx context.Context, table string, limit, offset int) ([]model.Record, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at, uuid", columnList(t), quoteIdent(t.Name))
	var args []any
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return queryRecords(ctx, s.conn, t, q, args...)
}

// CountRecords returns the number of rows in a table.
func (s *Store) CountRecords(ctx context.Context, table string) (int, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	var count int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(t.Name))
	if err := s.conn.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

func prepareRemote(t *catalog.Table, rec model.Record) (model.Record, error) {
	row, err := t.Normalize(rec)
	if err != nil {
		return nil, err
	}
	if row.UUID() == "" {
		return nil, fmt.Errorf("remote %s record has no uuid", t.Name)
	}
	if row.Version() <= 0 {
		row[model.FieldVersion] = int64(1)
	}
	ts := now()
	if s, _ := row[model.FieldCreatedAt].(string); s == "" {
		row[model.FieldCreatedAt] = ts
	}
	if s, _ := row[model.FieldUpdatedAt].(string); s == "" {
		row[model.FieldUpdatedAt] = row[model.FieldCreatedAt]
	}
	return row, nil
}

// markSeen back-fills a synced entry for a uuid the change log has never seen.
func markSeen(ctx context.Context, ex execer, table string, row model.Record) error {
	after, err := encodeRecord(row)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
	INSERT INTO change_log (table_name, record_uuid, operation, after_data, created_at, sync_status)
	SELECT ?, ?, 'INSERT', ?, ?, 'synced'
	WHERE NOT EXISTS (
		SELECT 1 FROM change_log WHERE table_name = ? AND record_uuid = ?
	)`, table, row.UUID(), after, now(), table, row.UUID())
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s as seen: %w", table, row.UUID(), err)
	}
	return nil
}

func writeRow(ctx context.Context, ex execer, t *catalog.Table, into string, row model.Record, upsert bool) error {
	cols := t.Columns()
	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := t.ToColumn(c, row[c])
		if err != nil {
			return err
		}
		args[i] = v
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(into), strings.Join(quoted, ", "), placeholders(len(cols)))
	if upsert {
		sets := make([]string, 0, len(cols)-1)
		for _, c := range quoted[1:] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
		q += " ON CONFLICT(uuid) DO UPDATE SET " + strings.Join(sets, ", ")
	}

	if _, err := ex.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", into, row.UUID(), err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getRecord(ctx context.Context, q querier, t *catalog.Table, from, id string) (model.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE uuid = ?", columnList(t), quoteIdent(from))
	recs, err := queryRecords(ctx, q, t, query, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t.Name, id)
	}
	return recs[0], nil
}

func queryRecords(ctx context.Context, q querier, t *catalog.Table, query string, args ...any) ([]model.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	cols := t.Columns()
	var out []model.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		rec := make(model.Record, len(cols))
		for i, c := range cols {
			if v := t.FromColumn(c, vals[i]); v != nil {
				rec[c] = v
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", t.Name, err)
	}
	return out, nil
}

func columnList(t *catalog.Table) string {
	cols := t.Columns()
	for i, c := range cols {
		cols[i] = quoteIdent(c)
	}
	return strings.Join(cols, ", ")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
