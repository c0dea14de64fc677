package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/collector"
	"github.com/dreamware/bitkeep/internal/conversation"
	"github.com/dreamware/bitkeep/internal/coordinator"
	"github.com/dreamware/bitkeep/internal/integrity"
	"github.com/dreamware/bitkeep/internal/ops"
	"github.com/dreamware/bitkeep/internal/pillar"
	"github.com/dreamware/bitkeep/internal/storage"
)

// maxUpload bounds the body of a file upload.
const maxUpload = 256 << 20

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections", s.handleCollections)
	mux.HandleFunc("/contributors", s.handleContributors)
	mux.HandleFunc("/audits/collect", s.handleCollectAudits)
	mux.HandleFunc("/audits", s.handleAudits)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/files/", s.handleGetFile)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/checksums", s.handleChecksums)
	mux.HandleFunc("/integrity/check", s.handleIntegrityCheck)
	mux.HandleFunc("/alarms", s.handleAlarms)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation error to an HTTP status.
func statusFor(err error) int {
	var failed *conversation.OperationFailedError
	switch {
	case errors.Is(err, conversation.ErrNoContributorsConfigured):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrNoContributorFound):
		return http.StatusConflict
	case errors.As(err, &failed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, conversation.ErrCancelled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// collection returns the collection named by the "collection" query
// parameter, writing an error when it is missing or unknown.
func (s *server) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("collection")
	if id == "" {
		http.Error(w, "collection required", http.StatusBadRequest)
		return "", false
	}
	if s.registry.Get(id) == nil {
		http.Error(w, "unknown collection", http.StatusNotFound)
		return "", false
	}
	return id, true
}

type collectionView struct {
	ID              string                      `json:"id"`
	Contributors    []string                    `json:"contributors"`
	CollectedAudits int64                       `json:"collected_audits"`
	Cursors         map[string]collector.Cursor `json:"cursors,omitempty"`
}

func (s *server) collectionViews() []collectionView {
	cols := s.registry.GetAll()
	out := make([]collectionView, 0, len(cols))
	for _, col := range cols {
		v := collectionView{ID: col.ID, Contributors: col.Contributors}
		if c, ok := s.audits.Collector(col.ID); ok {
			v.CollectedAudits = c.NumberOfCollectedAudits()
			v.Cursors = c.Cursors()
		}
		out = append(out, v)
	}
	return out
}

// handleCollections lists the configured collections.
func (s *server) handleCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Collections []collectionView `json:"collections"`
	}{Collections: s.collectionViews()})
}

// handleContributors lists every contributor with its collections and health.
func (s *server) handleContributors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type contributorView struct {
		ID          string                         `json:"id"`
		Collections []string                       `json:"collections"`
		Available   bool                           `json:"available"`
		Health      *coordinator.ContributorStatus `json:"health,omitempty"`
	}
	ids := s.registry.AllContributors()
	out := make([]contributorView, 0, len(ids))
	for _, id := range ids {
		out = append(out, contributorView{
			ID:          id,
			Collections: s.registry.CollectionsOf(id),
			Available:   s.health.Available(id),
			Health:      s.health.GetStatus(id),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Contributors []contributorView `json:"contributors"`
	}{Contributors: out})
}

// handleCollectAudits runs an audit trail round for every collection and
// waits for it.
func (s *server) handleCollectAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.audits.CollectNewestAudits(r.Context()); err != nil {
		s.logger.Error("audit trail collection failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Collections []collectionView `json:"collections"`
	}{Collections: s.collectionViews()})
}

// handleAudits queries the stored audit trails.
//
// Query parameters: collection, contributor, file_id, actor, min_sequence,
// max_sequence, from, to (RFC 3339) and limit.
func (s *server) handleAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q, err := parseAuditQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := s.store.AuditTrails(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []storage.StoredAuditEvent{}
	}
	writeJSON(w, http.StatusOK, struct {
		Events []storage.StoredAuditEvent `json:"events"`
		Count  int                        `json:"count"`
	}{Events: events, Count: len(events)})
}

func parseAuditQuery(r *http.Request) (storage.AuditQuery, error) {
	v := r.URL.Query()
	q := storage.AuditQuery{
		CollectionID: v.Get("collection"),
		Contributor:  v.Get("contributor"),
		FileID:       v.Get("file_id"),
		Actor:        v.Get("actor"),
	}
	var err error
	if s := v.Get("min_sequence"); s != "" {
		if q.MinSequence, err = strconv.ParseUint(s, 10, 64); err != nil {
			return q, errors.New("invalid min_sequence")
		}
	}
	if s := v.Get("max_sequence"); s != "" {
		if q.MaxSequence, err = strconv.ParseUint(s, 10, 64); err != nil {
			return q, errors.New("invalid max_sequence")
		}
	}
	if s := v.Get("from"); s != "" {
		if q.From, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("invalid from")
		}
	}
	if s := v.Get("to"); s != "" {
		if q.To, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("invalid to")
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
			return q, errors.New("invalid limit")
		}
	}
	return q, nil
}

// operationResult is the response of a file operation.
type operationResult struct {
	Operation    string            `json:"operation"`
	State        string            `json:"state"`
	Responded    []string          `json:"responded"`
	Unsuccessful []string          `json:"unsuccessful,omitempty"`
	Failures     map[string]string `json:"failures,omitempty"`
}

func newOperationResult(sum *conversation.Summary) operationResult {
	res := operationResult{
		Operation:    sum.Operation,
		State:        sum.State.String(),
		Responded:    sum.Responded(),
		Unsuccessful: sum.Unsuccessful(),
	}
	if len(sum.Failures) > 0 {
		res.Failures = make(map[string]string, len(sum.Failures))
		for c, err := range sum.Failures {
			res.Failures[c] = err.Error()
		}
	}
	return res
}

// handleFiles lists, stores, replaces and deletes files of a collection.
//
//	GET    /files?collection=C[&file_id=F]
//	PUT    /files?collection=C&file_id=F[&checksum_type=T]   body: file data
//	POST   /files?collection=C&file_id=F&existing_checksum=X body: new data
//	DELETE /files?collection=C&file_id=F&existing_checksum=X
func (s *server) handleFiles(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := s.collection(w, r)
	if !ok {
		return
	}
	contributors := s.Contributors(collectionID)
	v := r.URL.Query()

	if r.Method == http.MethodGet {
		res, err := ops.GetFileIDs(r.Context(), s.client, collectionID, contributors, ops.FileQuery{FileID: v.Get("file_id")})
		if res == nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		type fileView struct {
			FileID       string   `json:"file_id"`
			Contributors []string `json:"contributors"`
			Conflict     bool     `json:"conflict"`
		}
		files := []fileView{}
		for _, rec := range append(res.Completed, res.Uncompleted...) {
			files = append(files, fileView{FileID: rec.Key, Contributors: rec.Contributors(), Conflict: rec.Conflict})
		}
		writeJSON(w, http.StatusOK, struct {
			Files  []fileView      `json:"files"`
			Result operationResult `json:"result"`
		}{Files: files, Result: newOperationResult(res.Summary)})
		return
	}

	req := ops.FileRequest{
		FileID:           v.Get("file_id"),
		ChecksumType:     v.Get("checksum_type"),
		ExistingChecksum: v.Get("existing_checksum"),
	}
	if req.FileID == "" {
		http.Error(w, "file_id required", http.StatusBadRequest)
		return
	}
	if req.ChecksumType == "" {
		req.ChecksumType = s.cfg.Integrity.ChecksumType
	}

	var run func(context.Context, ops.Starter, string, []string, ops.FileRequest) (*ops.Result[string], error)
	switch r.Method {
	case http.MethodPut:
		run = ops.PutFile
	case http.MethodPost:
		run = ops.ReplaceFile
	case http.MethodDelete:
		run = ops.DeleteFile
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Method != http.MethodDelete {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpload))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		sum, err := pillar.Checksum(req.ChecksumType, data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Data, req.Checksum, req.Size = data, sum, int64(len(data))
	}
	if r.Method != http.MethodPut && req.ExistingChecksum == "" {
		http.Error(w, "existing_checksum required", http.StatusBadRequest)
		return
	}

	res, err := run(r.Context(), s.client, collectionID, contributors, req)
	if res == nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, newOperationResult(res.Summary))
}

// handleGetFile streams one file from the first pillar that holds it. The
// data is checked against the checksum the pillar reports before it is
// sent.
//
//	GET /files/{id}?collection=C[&checksum_type=T]
func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/files/")
	if fileID == "" {
		http.Error(w, "file id required", http.StatusBadRequest)
		return
	}
	collectionID, ok := s.collection(w, r)
	if !ok {
		return
	}
	checksumType := r.URL.Query().Get("checksum_type")
	if checksumType == "" {
		checksumType = s.cfg.Integrity.ChecksumType
	}
	if _, err := pillar.NormalizeChecksumType(checksumType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := ops.GetFile(r.Context(), s.client, collectionID, s.Contributors(collectionID),
		ops.FileQuery{FileID: fileID, ChecksumType: checksumType})
	switch {
	case errors.Is(err, conversation.ErrNoContributorFound):
		http.Error(w, "file not found", http.StatusNotFound)
		return
	case res == nil:
		http.Error(w, err.Error(), statusFor(err))
		return
	case res.File == nil:
		if err == nil {
			err = errors.New("no file received")
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	f := res.File
	sum, err := pillar.Checksum(f.ChecksumType, f.Data)
	if err != nil || !strings.EqualFold(sum, f.Checksum) {
		s.logger.Error("retrieved file does not match its checksum",
			zap.String("collection", collectionID), zap.String("file", fileID),
			zap.String("contributor", res.Contributor), zap.Error(err))
		http.Error(w, "retrieved file does not match its checksum", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("X-Checksum", f.Checksum)
	w.Header().Set("X-Checksum-Type", f.ChecksumType)
	w.Header().Set("X-Contributor", res.Contributor)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

// handleStatus asks the pillars of a collection for their status.
//
//	GET /status?collection=C
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collectionID, ok := s.collection(w, r)
	if !ok {
		return
	}
	res, err := ops.GetStatus(r.Context(), s.client, collectionID, s.Contributors(collectionID))
	if res == nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	for id := range res.Statuses {
		s.health.RecordSuccess(id)
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, struct {
		Statuses map[string]ops.StatusResponse `json:"statuses"`
		Result   operationResult               `json:"result"`
	}{Statuses: res.Statuses, Result: newOperationResult(res.Summary)})
}

// handleChecksums serves cached checksum records.
//
//	GET /checksums?collection=C[&file=F][&conflicts=true]
func (s *server) handleChecksums(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collectionID, ok := s.collection(w, r)
	if !ok {
		return
	}
	cache := s.checker.Cache()
	if file := r.URL.Query().Get("file"); file != "" {
		rec, err := cache.Get(collectionID, file)
		if errors.Is(err, integrity.ErrNotCached) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	conflictsOnly, _ := strconv.ParseBool(r.URL.Query().Get("conflicts"))
	recs, err := cache.List(collectionID, conflictsOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []integrity.FileChecksums{}
	}
	writeJSON(w, http.StatusOK, struct {
		Checksums []integrity.FileChecksums `json:"checksums"`
	}{Checksums: recs})
}

// handleIntegrityCheck compares the checksums of a collection (POST) or
// returns the report of the latest comparison (GET).
func (s *server) handleIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := s.collection(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		report, ok := s.checker.LastReport(collectionID)
		if !ok {
			http.Error(w, "collection not checked yet", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case http.MethodPost:
		report, err := s.checker.Check(r.Context(), collectionID, s.Contributors(collectionID))
		switch {
		case errors.Is(err, integrity.ErrCheckInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		case report == nil:
			http.Error(w, err.Error(), statusFor(err))
		default:
			writeJSON(w, http.StatusOK, report)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAlarms returns the most recent alarms, oldest first.
func (s *server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	alarms := s.recent.Alarms()
	if alarms == nil {
		alarms = []alarm.Alarm{}
	}
	writeJSON(w, http.StatusOK, struct {
		Alarms []alarm.Alarm `json:"alarms"`
	}{Alarms: alarms})
}

// handleMetrics returns the coordinator's counters together with the audit
// trail store statistics.
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, struct {
		Counters     map[string]int64 `json:"counters"`
		StoredEvents int              `json:"stored_events"`
		Streams      int              `json:"streams"`
	}{Counters: s.metrics.Snapshot(), StoredEvents: stats.Events, Streams: stats.Streams})
}
