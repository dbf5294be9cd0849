// Package model defines the data types shared by the replica sync engine:
// replicated records, change-log entries, sync metadata, full-sync sessions
// and conflict-resolution results.
package model

import (
	"fmt"
	"strconv"
	"time"
)

// Reserved field names present on every replicated record.
const (
	FieldUUID      = "uuid"
	FieldVersion   = "version"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// TimeFormat is the timestamp layout used for record and log timestamps.
const TimeFormat = time.RFC3339Nano

// Record is one replicated domain row keyed by field name.
type Record map[string]any

// UUID returns the record's uuid, or "" if unset.
func (r Record) UUID() string {
	s, _ := r[FieldUUID].(string)
	return s
}

// Version returns the record's version counter. Numeric values decoded from
// JSON (float64, json.Number) and SQLite (int64) are all accepted.
func (r Record) Version() int64 {
	return AsInt64(r[FieldVersion])
}

// UpdatedAt parses updated_at. The zero time is returned when missing or invalid.
func (r Record) UpdatedAt() time.Time {
	return ParseTime(r[FieldUpdatedAt])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// WithVersion returns a copy of the record stamped with version v.
func (r Record) WithVersion(v int64) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	out[FieldVersion] = v
	return out
}

// AsInt64 converts the numeric representations found in records to int64.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case interface{ Int64() (int64, error) }:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// ParseTime accepts a time.Time or an RFC3339 string.
func ParseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if t == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// FormatTime formats t in UTC with TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Operation is the kind of mutation captured in the change log.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncStatus is the upload state of a change-log entry.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// ChangeLogEntry is one captured local mutation.
type ChangeLogEntry struct {
	ID           int64      `json:"id"`
	TableName    string     `json:"table_name"`
	RecordUUID   string     `json:"record_uuid"`
	Operation    Operation  `json:"operation"`
	AfterData    Record     `json:"after_data,omitempty"`
	BeforeData   Record     `json:"before_data,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SyncStatus   SyncStatus `json:"sync_status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// Attempts and LastError track failed uploads of a pending entry.
	// They are cleared once the entry settles.
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (e ChangeLogEntry) String() string {
	return fmt.Sprintf("#%d %s %s/%s (%s)", e.ID, e.Operation, e.TableName, e.RecordUUID, e.SyncStatus)
}

// SyncMetadata tracks the last successful sync of one table.
type SyncMetadata struct {
	TableName          string    `json:"table_name"`
	LastSyncTime       time.Time `json:"last_sync_time"`
	LastSyncVersion    int64     `json:"last_sync_version"`
	ServerLastModified time.Time `json:"server_last_modified"`
	SyncStatus         string    `json:"sync_status"`
}

// Table sync states stored in SyncMetadata.SyncStatus.
const (
	TableNeverSynced = "never"
	TableSynced      = "synced"
	TableFailed      = "failed"
)

// FullSyncSession is the cursor of a paginated full-sync session.
type FullSyncSession struct {
	SessionID   string `json:"session_id"`
	TableName   string `json:"table_name"`
	TotalCount  int    `json:"total_count"`
	PageSize    int    `json:"page_size"`
	CurrentPage int    `json:"current_page"`
	IsCompleted bool   `json:"is_completed"`
}

// TotalPages returns the number of pages the session spans.
func (s *FullSyncSession) TotalPages() int {
	if s.PageSize <= 0 || s.TotalCount <= 0 {
		return 0
	}
	return (s.TotalCount + s.PageSize - 1) / s.PageSize
}

// MergeAction is the outcome of resolving a local/server pair.
type MergeAction string

const (
	ActionKeepLocal   MergeAction = "keep_local"
	ActionApplyServer MergeAction = "apply_server"
	ActionMerge       MergeAction = "merge"
	ActionConflict    MergeAction = "conflict"
)

// MergeResult is produced per record during intelligent merge and download.
type MergeResult struct {
	Action         MergeAction
	Record         Record
	ConflictReason string
}

// Strategy is a per-field conflict resolution strategy.
type Strategy string

const (
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyLatestWins Strategy = "latest_wins"
	StrategyMerge      Strategy = "merge"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLatestWins, StrategyMerge:
		return true
	}
	return false
}

// ConflictRule binds a strategy to one field. Lower priority values apply first.
type ConflictRule struct {
	Field    string   `toml:"field" json:"field"`
	Strategy Strategy `toml:"strategy" json:"strategy"`
	Priority int      `toml:"priority" json:"priority"`
}

// Conflict is a persisted unresolved conflict between a local and a server copy.
type Conflict struct {
	ID         int64      `json:"id"`
	TableName  string     `json:"table_name"`
	RecordUUID string     `json:"record_uuid"`
	LocalData  Record     `json:"local_data,omitempty"`
	ServerData Record     `json:"server_data,omitempty"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Conflict resolutions chosen by the user.
const (
	ResolutionKeepLocal  = "keep_local"
	ResolutionTakeServer = "take_server"
	ResolutionDismissed  = "dismissed"
)

// RemoteChange is one server-side change delivered by the changes feed.
type RemoteChange struct {
	SequenceID int64     `json:"sequence_id"`
	TableName  string    `json:"table_name"`
	RecordUUID string    `json:"record_uuid"`
	Operation  Operation `json:"operation"`
	Data       Record    `json:"data,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	CreatedAt  string    `json:"created_at,omitempty"`
}
