// Package main implements the bitkeep reference pillar, which archives the
// files of one collection and answers the coordinator's operations over NATS.
//
// The pillar is a contributor in a bitkeep deployment, responsible for:
//   - Holding a copy of every file of its collection
//   - Calculating checksums on request
//   - Keeping a numbered audit trail of everything done to its files
//   - Answering identify and operation requests on the message bus
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Pillar                   │
//	├─────────────────────────────────────────┤
//	│  NATS subjects:                         │
//	│    bitkeep.collection.<id>  - broadcast │
//	│    bitkeep.contributor.<id> - direct    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Pillar information   │
//	│    /files        - Local file listing   │
//	│    /files/{id}   - Seed or read a file  │
//	│    /pause        - Stop answering       │
//	│    /resume       - Answer again         │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - PILLAR_ID: Unique pillar identifier (required)
//   - PILLAR_COLLECTION: Collection served (required)
//   - BITKEEP_NATS_URL: NATS server (default: "nats://127.0.0.1:4222")
//   - BITKEEP_HTTP_ADDR: Listen address (default: ":8080")
//   - BITKEEP_CONFIG: YAML configuration file (optional)
//
// Example usage:
//
//	PILLAR_ID=pillar-1 PILLAR_COLLECTION=books BITKEEP_HTTP_ADDR=:8081 ./pillar
//
//	# Seed a file without going through the coordinator
//	curl -X PUT localhost:8081/files/report.pdf --data-binary @report.pdf
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/config"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/pillar"
)

// main loads the configuration, connects to NATS, subscribes the pillar and
// serves the HTTP API until SIGINT or SIGTERM.
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, NATS unreachable or listen failure
func main() {
	cfg, err := config.Load(os.Getenv("BITKEEP_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.ValidatePillar(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger = logger.With(zap.String("pillar", cfg.Pillar.ID))

	channel, err := bus.DialNATS(cfg.NATS.URL, cfg.NATS.MaxPayload, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
	}
	defer channel.Close()

	p, err := pillar.New(pillarConfig(cfg), channel, logger)
	if err != nil {
		logger.Fatal("failed to create pillar", zap.Error(err))
	}
	if err := p.Start(); err != nil {
		logger.Fatal("failed to subscribe", zap.Error(err))
	}
	defer p.Stop()

	s := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes(p),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("pillar listening",
			zap.String("addr", cfg.HTTPAddr), zap.String("collection", cfg.Pillar.CollectionID))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("pillar stopped")
}

// pillarConfig maps the shared configuration onto the pillar's settings.
func pillarConfig(cfg *config.Config) pillar.Config {
	return pillar.Config{
		ID:            cfg.Pillar.ID,
		CollectionID:  cfg.Pillar.CollectionID,
		ChecksumType:  cfg.Pillar.ChecksumType,
		AuditPageSize: cfg.Pillar.AuditPageSize,
		MaxFileSize:   cfg.Pillar.MaxFileSize,
	}
}

func routes(p *pillar.Pillar) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleInfo(p, w, r)
	})
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		handleListFiles(p, w, r)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		handleFile(p, w, r)
	})
	mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		handlePause(p, true, w, r)
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		handlePause(p, false, w, r)
	})
	return mux
}

// handleInfo returns the pillar's identity, archive statistics and the
// largest sequence number of its audit trail.
//
// Endpoint: GET /info
//
// Response body:
//
//	{
//	  "pillar_id": "pillar-1",
//	  "collection_id": "books",
//	  "paused": false,
//	  "files": 2,
//	  "bytes": 10240,
//	  "operations": {"gets": 0, "puts": 2, "replaces": 0, "deletes": 0},
//	  "audit_sequence": 5
//	}
func handleInfo(p *pillar.Pillar, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := p.Archive().Stats()

	type operations struct {
		Gets     uint64 `json:"gets"`
		Puts     uint64 `json:"puts"`
		Replaces uint64 `json:"replaces"`
		Deletes  uint64 `json:"deletes"`
	}
	response := struct {
		PillarID      string     `json:"pillar_id"`
		CollectionID  string     `json:"collection_id"`
		Paused        bool       `json:"paused"`
		Files         int        `json:"files"`
		Bytes         int64      `json:"bytes"`
		Ops           operations `json:"operations"`
		AuditSequence uint64     `json:"audit_sequence"`
	}{
		PillarID:      p.ID(),
		CollectionID:  p.CollectionID(),
		Paused:        p.Paused(),
		Files:         stats.Files,
		Bytes:         stats.Bytes,
		Ops:           operations{Gets: stats.Gets, Puts: stats.Puts, Replaces: stats.Replaces, Deletes: stats.Deletes},
		AuditSequence: p.AuditLog().Largest(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleListFiles returns the IDs of the archived files.
//
// Endpoint: GET /files
func handleListFiles(p *pillar.Pillar, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := p.Archive().FileIDs()
	if ids == nil {
		ids = []string{}
	}
	response := struct {
		Files []string `json:"files"`
		Count int      `json:"count"`
	}{Files: ids, Count: len(ids)}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleFile reads or seeds a single file. Seeding bypasses the protocol
// but is still audited, with the pillar as actor.
//
// Endpoint: /files/{fileID}
//
// Supported operations:
//   - GET: Raw file data
//   - PUT: Archive the body as a new file
//
// Response:
//   - 200 OK: File data (GET)
//   - 204 No Content: File archived (PUT)
//   - 404 Not Found: No such file (GET)
//   - 409 Conflict: File already archived (PUT)
func handleFile(p *pillar.Pillar, w http.ResponseWriter, r *http.Request) {
	fileID := strings.TrimPrefix(r.URL.Path, "/files/")
	if fileID == "" {
		http.Error(w, "file id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := p.Archive().Get(fileID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if p.Archive().Has(fileID) {
			http.Error(w, "file already archived", http.StatusConflict)
			return
		}
		if err := p.AddFile(fileID, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePause stops (pause) or restarts answering messages, to simulate an
// unreachable pillar.
//
// Endpoints: POST /pause, POST /resume
func handlePause(p *pillar.Pillar, pause bool, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if pause {
		p.Pause()
	} else {
		p.Resume()
	}
	w.WriteHeader(http.StatusNoContent)
}
