package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/model"
)

// Origin identifies who produced a write.
type Origin int

const (
	// OriginLocal writes come from the user and are captured.
	OriginLocal Origin = iota
	// OriginRemote writes apply server state and are never captured.
	OriginRemote
)

// ChangeCapture records a mutation inside the transaction that performed it.
type ChangeCapture interface {
	CaptureChange(ctx context.Context, tx *sql.Tx, entry model.ChangeLogEntry) error
}

// logCapture appends entries to the change_log table.
type logCapture struct{}

func (logCapture) CaptureChange(ctx context.Context, tx *sql.Tx, entry model.ChangeLogEntry) error {
	_, err := insertLogEntry(ctx, tx, entry)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLogEntry(ctx context.Context, ex execer, entry model.ChangeLogEntry) (int64, error) {
	after, err := encodeRecord(entry.AfterData)
	if err != nil {
		return 0, err
	}
	before, err := encodeRecord(entry.BeforeData)
	if err != nil {
		return 0, err
	}
	status := entry.SyncStatus
	if status == "" {
		status = model.StatusPending
	}
	createdAt := now()
	if !entry.CreatedAt.IsZero() {
		createdAt = model.FormatTime(entry.CreatedAt)
	}

	res, err := ex.ExecContext(ctx, `
	INSERT INTO change_log (table_name, record_uuid, operation, after_data, before_data, created_at, sync_status, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TableName, entry.RecordUUID, string(entry.Operation),
		after, before, createdAt, string(status), nullString(entry.ErrorMessage),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append change log entry for %s/%s: %w", entry.TableName, entry.RecordUUID, err)
	}
	return res.LastInsertId()
}

func encodeRecord(r model.Record) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeRecord(s sql.NullString) (model.Record, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var r model.Record
	if err := json.Unmarshal([]byte(s.String), &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

type remoteApplyKey struct{}

// SetRemoteApplyGuard toggles a store-wide suppression of change capture.
// It affects every writer; ApplyRemote scopes the guard to one call instead.
func (s *Store) SetRemoteApplyGuard(enabled bool) {
	s.guard.Store(enabled)
}

// RemoteApplyGuard reports whether the store-wide guard is set.
func (s *Store) RemoteApplyGuard() bool {
	return s.guard.Load()
}

// InRemoteApply reports whether ctx was handed out by ApplyRemote.
func InRemoteApply(ctx context.Context) bool {
	v, _ := ctx.Value(remoteApplyKey{}).(bool)
	return v
}

// ApplyRemote runs fn with a context that suppresses change capture. Only
// writes made with that context skip the change log; local writes running
// concurrently on other goroutines are still captured.
func (s *Store) ApplyRemote(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, remoteApplyKey{}, true))
}

func (s *Store) shouldCapture(ctx context.Context, origin Origin) bool {
	return origin == OriginLocal && !InRemoteApply(ctx) && !s.guard.Load()
}

// RecordChange appends one pending entry for a mutation performed outside
// the store's write path. Nothing is recorded under ApplyRemote or while the
// store-wide guard is set.
// It reports whether an entry was appended.
func (s *Store) RecordChange(ctx context.Context, table, uuid string, op model.Operation, after, before model.Record) (bool, error) {
	if !op.IsValid() {
		return false, fmt.Errorf("invalid operation %q", op)
	}
	if _, err := s.table(table); err != nil {
		return false, err
	}
	if !s.shouldCapture(ctx, OriginLocal) {
		return false, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.capture.CaptureChange(ctx, tx, model.ChangeLogEntry{
			TableName:  table,
			RecordUUID: uuid,
			Operation:  op,
			AfterData:  after,
			BeforeData: before,
		})
	})
	if err != nil {
		return false, err
	}
	s.notify(table)
	return true, nil
}
