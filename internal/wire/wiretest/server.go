// Package wiretest provides an in-memory sync server for tests and load
// runs. It implements every endpoint of the sync API and can inject
// network drops, HTTP errors and per-record conflicts.
package wiretest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/wire"
)

// APIVersion is reported by backup-init.
const APIVersion = "1.0.0"

// OtherDevice is the device id used for changes made through Put and Remove.
const OtherDevice = "device-other"

// FaultKind selects how an injected fault fails a request.
type FaultKind int

const (
	// FaultNetwork drops the connection without a response.
	FaultNetwork FaultKind = iota
	// FaultStatus answers with Fault.Status.
	FaultStatus
	// FaultEnvelope answers 200 with an error envelope carrying Fault.Status.
	FaultEnvelope
)

// Fault fails the next Times matching requests.
type Fault struct {
	Path  string
	Page  int
	Times int
	Kind  FaultKind
	// Status is the HTTP or envelope code for FaultStatus and FaultEnvelope.
	Status int
}

type session struct {
	table    string
	records  []model.Record
	pageSize int
}

// Server is an in-memory implementation of the sync API.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	token        string
	tables       map[string]map[string]model.Record
	changes      []model.RemoteChange
	seq          int64
	sessions     map[string]*session
	nextSession  int
	faults       []*Fault
	conflicts    map[string]string
	omitVersions bool
	requests     map[string]int
	gzipRequests int
	uploads      []wire.IncrementalSyncRequest
	pagesServed  map[int]int
	latency      time.Duration
}

// NewServer starts a server that accepts token (empty accepts any token).
func NewServer(token string) *Server {
	s := &Server{
		token:       token,
		tables:      make(map[string]map[string]model.Record),
		sessions:    make(map[string]*session),
		conflicts:   make(map[string]string),
		requests:    make(map[string]int),
		pagesServed: make(map[int]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wire.PathBackupInit, s.handleBackupInit)
	mux.HandleFunc(wire.PathFullSyncStart, s.handleFullSyncStart)
	mux.HandleFunc(wire.PathFullSyncBatch, s.handleFullSyncBatch)
	mux.HandleFunc(wire.PathFullSyncFinish, s.handleFullSyncFinish)
	mux.HandleFunc(wire.PathIncrementalSync, s.handleIncrementalSync)
	mux.HandleFunc(wire.PathChanges, s.handleChanges)
	s.Server = httptest.NewServer(s.middleware(mux))
	return s
}

// SetToken changes the accepted token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetLatency delays every response.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// OmitVersions stops incremental-sync responses from carrying versions.
func (s *Server) OmitVersions(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitVersions = omit
}

// InjectFault queues a fault.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	s.faults = append(s.faults, &f)
}

// SetConflict makes uploads of uuid fail with reason until cleared with "".
func (s *Server) SetConflict(uuid, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		delete(s.conflicts, uuid)
		return
	}
	s.conflicts[uuid] = reason
}

// Put stores a record as if written by another device.
func (s *Server) Put(table string, rec model.Record) model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = rec.Clone()
	if _, ok := rec[model.FieldVersion]; !ok {
		rec[model.FieldVersion] = int64(1)
	}
	if _, ok := rec[model.FieldUpdatedAt]; !ok {
		rec[model.FieldUpdatedAt] = model.FormatTime(time.Now())
	}
	op := model.OpInsert
	if _, exists := s.table(table)[rec.UUID()]; exists {
		op = model.OpUpdate
	}
	s.table(table)[rec.UUID()] = rec
	s.appendChange(table, rec.UUID(), op, rec, OtherDevice)
	return rec.Clone()
}

// Seed stores records without emitting change-feed entries.
func (s *Server) Seed(table string, recs ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.table(table)[rec.UUID()] = rec.Clone()
	}
}

// Remove deletes a record as if deleted by another device.
func (s *Server) Remove(table, uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(table), uuid)
	s.appendChange(table, uuid, model.OpDelete, nil, OtherDevice)
}

// Record returns a copy of a stored record.
func (s *Server) Record(table, uuid string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(table)[uuid]
	return rec.Clone(), ok
}

// Count returns the number of records in table.
func (s *Server) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(table))
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// GzipRequests returns how many request bodies arrived gzip-encoded.
func (s *Server) GzipRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gzipRequests
}

// PageRequests returns how many times page was requested across sessions.
func (s *Server) PageRequests(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagesServed[page]
}

// Uploads returns every accepted incremental-sync request body.
func (s *Server) Uploads() []wire.IncrementalSyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.IncrementalSyncRequest(nil), s.uploads...)
}

// OpenSessions returns the number of unfinished full-sync sessions.
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) table(name string) map[string]model.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]model.Record)
		s.tables[name] = t
	}
	return t
}

func (s *Server) appendChange(table, uuid string, op model.Operation, data model.Record, device string) {
	s.seq++
	s.changes = append(s.changes, model.RemoteChange{
		SequenceID: s.seq,
		TableName:  table,
		RecordUUID: uuid,
		Operation:  op,
		Data:       data.Clone(),
		DeviceID:   device,
		CreatedAt:  model.FormatTime(time.Now()),
	})
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, wire.PathFullSyncFinish) {
			path = wire.PathFullSyncFinish
		}

		s.mu.Lock()
		s.requests[path]++
		token, latency := s.token, s.latency
		s.mu.Unlock()

		if latency > 0 {
			time.Sleep(latency)
		}

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, wire.Envelope{Code: http.StatusUnauthorized, Message: "invalid token", TS: time.Now().Unix()})
			return
		}

		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad gzip body")
				return
			}
			defer zr.Close()
			r.Body = io.NopCloser(zr)
			s.mu.Lock()
			s.gzipRequests++
			s.mu.Unlock()
		}

		next.ServeHTTP(w, r)
	})
}

// takeFault consumes a matching fault. page is 0 for non-paged endpoints.
func (s *Server) takeFault(path string, page int) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Path != path || (f.Page != 0 && f.Page != page) {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		out := *f
		return &out
	}
	return nil
}

// fail applies f and reports whether the request was consumed.
func fail(w http.ResponseWriter, f *Fault) bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case FaultNetwork:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return true
			}
		}
		writeError(w, http.StatusServiceUnavailable, "connection dropped")
	case FaultEnvelope:
		writeJSON(w, http.StatusOK, wire.Envelope{Code: f.Status, Message: "injected failure", TS: time.Now().Unix()})
	default:
		writeError(w, f.Status, "injected failure")
	}
	return true
}

func (s *Server) handleBackupInit(w http.ResponseWriter, r *http.Request) {
	if fail(w, s.takeFault(wire.PathBackupInit, 0)) {
		return
	}
	var req wire.BackupInitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}

	s.mu.Lock()
	mappings := make(map[string]string, len(s.tables))
	for name := range s.tables {
		mappings[name] = name
	}
	s.mu.Unlock()

	writeData(w, wire.BackupInitResponse{TableMappings: mappings, APIVersion: APIVersion})
}

func (s *Server) handleFullSyncStart(w http.ResponseWriter, r *http.Request) {
	if fail(w, s.takeFault(wire.PathFullSyncStart, 0)) {
		return
	}
	var req wire.FullSyncStartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = 100
	}

	s.mu.Lock()
	t := s.table(req.TableName)
	recs := make([]model.Record, 0, len(t))
	for _, rec := range t {
		recs = append(recs, rec.Clone())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UUID() < recs[j].UUID() })
	s.nextSession++
	id := fmt.Sprintf("session-%d", s.nextSession)
	s.sessions[id] = &session{table: req.TableName, records: recs, pageSize: req.PageSize}
	s.mu.Unlock()

	writeData(w, wire.FullSyncStartResponse{SessionID: id, TotalCount: len(recs), PageSize: req.PageSize})
}

func (s *Server) handleFullSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req wire.FullSyncBatchRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.pagesServed[req.Page]++
	s.mu.Unlock()

	if fail(w, s.takeFault(wire.PathFullSyncBatch, req.Page)) {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if req.Page < 1 {
		writeError(w, http.StatusBadRequest, "page must be >= 1")
		return
	}

	total := len(sess.records)
	pages := (total + sess.pageSize - 1) / sess.pageSize
	start := min((req.Page-1)*sess.pageSize, total)
	end := min(start+sess.pageSize, total)
	data := sess.records[start:end]

	sum, _ := json.Marshal(data)
	digest := sha256.Sum256(sum)

	writeData(w, wire.FullSyncBatchResponse{
		Data: data,
		Pagination: wire.Pagination{
			Page:       req.Page,
			PageSize:   sess.pageSize,
			TotalPages: pages,
			TotalCount: total,
		},
		IsLast:   req.Page >= pages,
		Checksum: hex.EncodeToString(digest[:]),
	})
}

func (s *Server) handleFullSyncFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "use DELETE")
		return
	}
	if fail(w, s.takeFault(wire.PathFullSyncFinish, 0)) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, wire.PathFullSyncFinish)
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	writeData(w, nil)
}

func (s *Server) handleIncrementalSync(w http.ResponseWriter, r *http.Request) {
	if fail(w, s.takeFault(wire.PathIncrementalSync, 0)) {
		return
	}
	var req wire.IncrementalSyncRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := wire.IncrementalSyncResponse{Success: true, Conflicts: []wire.SyncConflict{}}
	if !s.omitVersions {
		resp.Versions = make(map[string]int64)
	}
	t := s.table(req.TableName)
	for _, item := range req.Data {
		if reason, ok := s.conflicts[item.UUID]; ok {
			existing := t[item.UUID]
			resp.Conflicts = append(resp.Conflicts, wire.SyncConflict{UUID: item.UUID, Reason: reason, ServerVersion: existing.Version()})
			continue
		}

		switch item.Operation {
		case model.OpDelete:
			delete(t, item.UUID)
			s.appendChange(req.TableName, item.UUID, model.OpDelete, nil, req.DeviceID)
		default:
			rec := item.Data.Clone()
			if rec == nil {
				rec = model.Record{}
			}
			rec[model.FieldUUID] = item.UUID
			version := max(item.Version, 1)
			if existing, ok := t[item.UUID]; ok {
				version = max(existing.Version(), item.Version) + 1
			}
			rec[model.FieldVersion] = version
			t[item.UUID] = rec
			s.appendChange(req.TableName, item.UUID, item.Operation, rec, req.DeviceID)
			if resp.Versions != nil {
				resp.Versions[item.UUID] = version
			}
		}
	}
	s.uploads = append(s.uploads, req)

	writeData(w, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if fail(w, s.takeFault(wire.PathChanges, 0)) {
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	var out []model.RemoteChange
	hasMore := false
	for _, c := range s.changes {
		if c.SequenceID <= since {
			continue
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	last := since
	if len(out) > 0 {
		last = out[len(out)-1].SequenceID
	}
	writeData(w, wire.ChangesResponse{Changes: out, HasMore: hasMore, LastSequenceID: last})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.Envelope{Code: http.StatusOK, Data: raw, TS: time.Now().Unix()})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.Envelope{Code: status, Message: msg, TS: time.Now().Unix()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
