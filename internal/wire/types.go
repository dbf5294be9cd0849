package wire

import (
	json "github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/model"
)

// Envelope is the outer wrapper of every response.
type Envelope struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
	TS      int64           `json:"ts"`
	Message string          `json:"message,omitempty"`
}

// OK reports whether Code is in the 2xx range.
func (e *Envelope) OK() bool {
	return e.Code >= 200 && e.Code < 300
}

// BackupInitRequest registers this device with the server.
type BackupInitRequest struct {
	DeviceID string `json:"device_id"`
}

// BackupInitResponse maps local table names to server table names.
type BackupInitResponse struct {
	TableMappings map[string]string `json:"table_mappings"`
	APIVersion    string            `json:"api_version,omitempty"`
}

// FullSyncStartRequest opens a paginated session.
type FullSyncStartRequest struct {
	TableName string `json:"table_name"`
	PageSize  int    `json:"page_size"`
}

// FullSyncStartResponse describes a new session.
type FullSyncStartResponse struct {
	SessionID  string `json:"session_id"`
	TotalCount int    `json:"total_count"`
	PageSize   int    `json:"page_size"`
}

// FullSyncBatchRequest asks for one page (1-based).
type FullSyncBatchRequest struct {
	SessionID string `json:"session_id"`
	Page      int    `json:"page"`
}

// Pagination describes the position of a page.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
	TotalCount int `json:"total_count"`
}

// FullSyncBatchResponse is one page of a session.
type FullSyncBatchResponse struct {
	Data       []model.Record `json:"data"`
	Pagination Pagination     `json:"pagination"`
	IsLast     bool           `json:"is_last"`
	Checksum   string         `json:"checksum"`
}

// SyncItem is one compressed change uploaded by incremental sync.
type SyncItem struct {
	UUID      string          `json:"uuid"`
	Operation model.Operation `json:"operation"`
	Version   int64           `json:"version"`
	Data      model.Record    `json:"data,omitempty"`
}

// IncrementalSyncRequest uploads a batch of changes for one table.
type IncrementalSyncRequest struct {
	TableName string     `json:"table_name"`
	Data      []SyncItem `json:"data"`
	DeviceID  string     `json:"device_id"`
}

// SyncConflict is a per-record rejection.
type SyncConflict struct {
	UUID          string `json:"uuid"`
	Reason        string `json:"reason"`
	ServerVersion int64  `json:"server_version,omitempty"`
}

// IncrementalSyncResponse reports the outcome of a batch. Versions, when
// present, carries the post-commit version of every accepted uuid.
type IncrementalSyncResponse struct {
	Success   bool             `json:"success"`
	Conflicts []SyncConflict   `json:"conflicts"`
	Versions  map[string]int64 `json:"versions,omitempty"`
}

// ChangesResponse is one page of the server change feed.
type ChangesResponse struct {
	Changes        []model.RemoteChange `json:"changes"`
	HasMore        bool                 `json:"hasMore"`
	LastSequenceID int64                `json:"lastSequenceId"`
}
