package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/replicasync/replica/internal/model"
)

// sync_state keys.
const (
	keyLastSequenceID = "last_sequence_id"
	keyDeviceID       = "device_id"
)

func (s *Store) getState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setState(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

// LastSequenceID returns the persisted download cursor (0 if never set).
func (s *Store) LastSequenceID(ctx context.Context) (int64, error) {
	v, ok, err := s.getState(ctx, keyLastSequenceID)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s %q: %w", keyLastSequenceID, v, err)
	}
	return id, nil
}

// SetLastSequenceID advances the download cursor. Values not greater than
// the stored cursor are ignored.
func (s *Store) SetLastSequenceID(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	WHERE CAST(sync_state.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		keyLastSequenceID, strconv.FormatInt(id, 10))
	if err != nil {
		return fmt.Errorf("failed to advance %s: %w", keyLastSequenceID, err)
	}
	return nil
}

// DeviceID returns the persisted device id, generating one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	v, ok, err := s.getState(ctx, keyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}
	id := uuid.NewString()
	if err := s.setState(ctx, keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// SetDeviceID pins the device id, e.g. from configuration.
func (s *Store) SetDeviceID(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("device id must not be empty")
	}
	return s.setState(ctx, keyDeviceID, id)
}

// GetSyncMetadata returns the metadata of table. A table that has never
// been synced yields metadata with status "never".
func (s *Store) GetSyncMetadata(ctx context.Context, table string) (*model.SyncMetadata, error) {
	md := &model.SyncMetadata{TableName: table, SyncStatus: model.TableNeverSynced}
	var lastSync, serverModified sql.NullString
	err := s.conn.QueryRowContext(ctx, `
	SELECT last_sync_time, last_sync_version, server_last_modified, sync_status
	FROM sync_metadata WHERE table_name = ?`, table,
	).Scan(&lastSync, &md.LastSyncVersion, &serverModified, &md.SyncStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return md, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata for %s: %w", table, err)
	}
	md.LastSyncTime = model.ParseTime(lastSync.String)
	md.ServerLastModified = model.ParseTime(serverModified.String)
	return md, nil
}

// UpdateSyncMetadata stores md.
func (s *Store) UpdateSyncMetadata(ctx context.Context, md *model.SyncMetadata) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_metadata (table_name, last_sync_time, last_sync_version, server_last_modified, sync_status)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(table_name) DO UPDATE SET
		last_sync_time = excluded.last_sync_time,
		last_sync_version = excluded.last_sync_version,
		server_last_modified = excluded.server_last_modified,
		sync_status = excluded.sync_status`,
		md.TableName, timeString(md.LastSyncTime), md.LastSyncVersion,
		timeString(md.ServerLastModified), md.SyncStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync metadata for %s: %w", md.TableName, err)
	}
	return nil
}

// MaxVersion returns the highest record version stored in table.
func (s *Store) MaxVersion(ctx context.Context, table string) (int64, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT MAX(version) FROM "+quoteIdent(t.Name)).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read max version of %s: %w", table, err)
	}
	return v.Int64, nil
}

// RecordConflict persists an unresolved conflict and returns its id.
func (s *Store) RecordConflict(ctx context.Context, c model.Conflict) (int64, error) {
	local, err := encodeRecord(c.LocalData)
	if err != nil {
		return 0, err
	}
	server, err := encodeRecord(c.ServerData)
	if err != nil {
		return 0, err
	}
	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_conflicts (table_name, record_uuid, local_data, server_data, reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		c.TableName, c.RecordUUID, local, server, c.Reason, now())
	if err != nil {
		return 0, fmt.Errorf("failed to record conflict for %s/%s: %w", c.TableName, c.RecordUUID, err)
	}
	return res.LastInsertId()
}

// ListConflicts returns conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]model.Conflict, error) {
	q := `SELECT id, table_name, record_uuid, local_data, server_data, reason, created_at, resolved_at, resolution
	FROM sync_conflicts`
	if unresolvedOnly {
		q += ` WHERE resolved_at IS NULL`
	}
	q += ` ORDER BY id`

	rows, err := s.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConflict returns one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id int64) (model.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, table_name, record_uuid, local_data, server_data, reason, created_at, resolved_at, resolution
	FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return model.Conflict{}, fmt.Errorf("failed to get conflict %d: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return model.Conflict{}, fmt.Errorf("%w: conflict %d", ErrNotFound, id)
	}
	return s.scanConflict(rows)
}

// ResolveConflict closes a conflict with the given resolution.
func (s *Store) ResolveConflict(ctx context.Context, id int64, resolution string) error {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE sync_conflicts SET resolved_at = ?, resolution = ?
	WHERE id = ? AND resolved_at IS NULL`, now(), resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open conflict %d", ErrNotFound, id)
	}
	return nil
}

func (s *Store) scanConflict(rows *sql.Rows) (model.Conflict, error) {
	var (
		c                      model.Conflict
		local, server          sql.NullString
		createdAt              string
		resolvedAt, resolution sql.NullString
	)
	if err := rows.Scan(&c.ID, &c.TableName, &c.RecordUUID, &local, &server, &c.Reason, &createdAt, &resolvedAt, &resolution); err != nil {
		return c, fmt.Errorf("failed to scan conflict: %w", err)
	}
	var err error
	if c.LocalData, err = s.decodeFor(c.TableName, local); err != nil {
		return c, err
	}
	if c.ServerData, err = s.decodeFor(c.TableName, server); err != nil {
		return c, err
	}
	c.CreatedAt = model.ParseTime(createdAt)
	if resolvedAt.Valid {
		t := model.ParseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	c.Resolution = resolution.String
	return c, nil
}

func timeString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: model.FormatTime(t), Valid: true}
}
