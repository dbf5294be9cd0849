package daemon

import "time"

// EventType names a daemon event.
type EventType string

const (
	EventCycle      EventType = "cycle"
	EventFullSync   EventType = "full_sync"
	EventUpload     EventType = "upload"
	EventPaused     EventType = "paused"
	EventResumed    EventType = "resumed"
	EventCredential EventType = "credential"
)

// Event is emitted to the sink registered with WithEvents.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// CycleData describes a completed incremental cycle.
type CycleData struct {
	Uploaded     int           `json:"uploaded"`
	Downloaded   int           `json:"downloaded"`
	Conflicts    int           `json:"conflicts"`
	Cursor       int64         `json:"cursor"`
	Duration     time.Duration `json:"duration_ns"`
	NextInterval time.Duration `json:"next_interval_ns"`
	Error        string        `json:"error,omitempty"`
}

// FullSyncData describes one table's full sync.
type FullSyncData struct {
	Table      string        `json:"table"`
	Mode       string        `json:"mode"`
	Applied    int           `json:"applied"`
	Merged     int           `json:"merged"`
	Conflicts  int           `json:"conflicts"`
	Historical int           `json:"historical"`
	Duration   time.Duration `json:"duration_ns"`
}

// UploadData describes a write-triggered upload.
type UploadData struct {
	Table     string `json:"table"`
	Uploaded  int    `json:"uploaded"`
	Conflicts int    `json:"conflicts"`
	Deferred  int    `json:"deferred"`
	Error     string `json:"error,omitempty"`
}

// PauseData explains a pause or resume.
type PauseData struct {
	Reason string `json:"reason"`
}

// CredentialData names a changed credential file.
type CredentialData struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}
