package dashboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/daemon"
	"github.com/replicasync/replica/internal/fullsync"
)

// StatsData contains running totals since the daemon started.
type StatsData struct {
	Cycles     int       `json:"cycles"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Conflicts  int       `json:"conflicts"`
	FullSyncs  int       `json:"full_syncs"`
	Paused     bool      `json:"paused"`
	LastError  string    `json:"last_error,omitempty"`
	LastSync   time.Time `json:"last_sync,omitzero"`
}

// ProgressData is a full-sync progress step.
type ProgressData struct {
	Table      string `json:"table"`
	Phase      string `json:"phase"`
	Mode       string `json:"mode,omitempty"`
	Page       int    `json:"page,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
	TotalCount int    `json:"total_count,omitempty"`
	Applied    int    `json:"applied,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Handler turns daemon events and full-sync progress into dashboard
// messages. Its methods are safe for concurrent use.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting on server. It also makes
// server greet new clients with the current stats.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{server: server, logger: logger}
	server.SetWelcome(func() (Message, bool) {
		return h.statsMessage()
	})
	return h
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// OnEvent handles a daemon event. Pass it to daemon.WithEvents.
func (h *Handler) OnEvent(ev daemon.Event) {
	var typ MessageType

	h.mu.Lock()
	switch data := ev.Data.(type) {
	case daemon.CycleData:
		typ = MessageTypeCycle
		h.stats.Cycles++
		h.stats.Uploaded += data.Uploaded
		h.stats.Downloaded += data.Downloaded
		h.stats.Conflicts += data.Conflicts
		h.stats.LastError = data.Error
		if data.Error == "" {
			h.stats.LastSync = ev.Timestamp
		}
	case daemon.UploadData:
		typ = MessageTypeUpload
		h.stats.Uploaded += data.Uploaded
		h.stats.Conflicts += data.Conflicts
		if data.Error != "" {
			h.stats.LastError = data.Error
		}
	case daemon.FullSyncData:
		typ = MessageTypeFullSync
		h.stats.FullSyncs++
		h.stats.Conflicts += data.Conflicts
		h.stats.LastSync = ev.Timestamp
	case daemon.PauseData:
		typ = MessageTypePause
		h.stats.Paused = ev.Type == daemon.EventPaused
	case daemon.CredentialData:
		typ = MessageTypeCredential
	default:
		h.mu.Unlock()
		h.logger.Debug("ignoring daemon event", "type", ev.Type)
		return
	}
	h.mu.Unlock()

	h.send(typ, ev.Timestamp, ev.Data)
	if msg, ok := h.statsMessage(); ok {
		h.server.Broadcast(msg)
	}
}

// OnProgress handles a full-sync progress step. Pass it to
// fullsync.WithObserver.
func (h *Handler) OnProgress(p fullsync.Progress) {
	data := ProgressData{
		Table:      p.Table,
		Phase:      string(p.Phase),
		Mode:       string(p.Mode),
		Page:       p.Page,
		TotalPages: p.TotalPages,
		TotalCount: p.TotalCount,
		Applied:    p.Applied,
	}
	if p.Err != nil {
		data.Error = p.Err.Error()
	}
	h.send(MessageTypeProgress, time.Now().UTC(), data)
}

func (h *Handler) send(typ MessageType, ts time.Time, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal dashboard data", "type", typ, "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: ts, Data: raw})
}

func (h *Handler) statsMessage() (Message, bool) {
	stats := h.Stats()
	raw, err := json.Marshal(stats)
	if err != nil {
		return Message{}, false
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now().UTC(), Data: raw}, true
}
