// Package main implements the bitkeep coordinator service, which harvests
// audit trails from the pillars of each collection, checks their checksums
// against each other and exposes the results over HTTP.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health          - Health check      │
//	│    /collections     - Collections       │
//	│    /contributors    - Pillar health     │
//	│    /audits/collect  - Harvest now       │
//	│    /audits          - Stored trails     │
//	│    /files           - File operations   │
//	│    /files/{id}      - File retrieval    │
//	│    /status          - Pillar status     │
//	│    /checksums       - Cached checksums  │
//	│    /integrity/check - Compare checksums │
//	│    /alarms          - Recent alarms     │
//	│    /metrics         - Counters          │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    conversation.Client - NATS messages  │
//	│    AuditTrailCollector - bbolt store    │
//	│    integrity.Checker   - badger cache   │
//	│    ContributorHealth   - exclusion      │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - BITKEEP_CONFIG: YAML configuration file (optional)
//   - BITKEEP_HTTP_ADDR, BITKEEP_NATS_URL, BITKEEP_COLLECTIONS and the other
//     overrides read by internal/config
//
// Example usage:
//
//	BITKEEP_COLLECTIONS="books:pillar-1,pillar-2" ./coordinator
//	curl -X POST localhost:8080/audits/collect
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/collector"
	"github.com/dreamware/bitkeep/internal/config"
	"github.com/dreamware/bitkeep/internal/conversation"
	"github.com/dreamware/bitkeep/internal/coordinator"
	"github.com/dreamware/bitkeep/internal/integrity"
	"github.com/dreamware/bitkeep/internal/logging"
	"github.com/dreamware/bitkeep/internal/metrics"
	"github.com/dreamware/bitkeep/internal/ops"
	"github.com/dreamware/bitkeep/internal/storage"
)

// alarmHistory is the number of alarms kept for /alarms.
const alarmHistory = 500

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

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	channel, err := bus.DialNATS(cfg.NATS.URL, cfg.NATS.MaxPayload, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
	}
	defer channel.Close()

	srv, err := newServer(cfg, channel, logger)
	if err != nil {
		logger.Fatal("failed to start coordinator", zap.Error(err))
	}
	srv.start()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	srv.close()
	logger.Info("coordinator stopped")
}

// server holds the coordinator's components. Every field is set by newServer.
type server struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	client   *conversation.Client
	registry *coordinator.CollectionRegistry
	health   *coordinator.ContributorHealth
	recent   *alarm.MemorySink
	webhook  *alarm.WebhookSink
	store    storage.AuditTrailStore
	audits   *collector.AuditTrailCollector
	checker  *integrity.Checker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newServer wires the coordinator's components onto channel. Nothing runs
// in the background until start is called.
func newServer(cfg *config.Config, channel bus.Channel, logger *zap.Logger) (_ *server, err error) {
	logger = logging.OrNop(logger)
	s := &server{
		cfg:      cfg,
		logger:   logger,
		metrics:  &metrics.Metrics{},
		registry: coordinator.NewCollectionRegistry(),
		recent:   alarm.NewMemorySink(alarmHistory),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	for _, col := range cfg.Collections {
		if err := s.registry.Register(col.ID, col.Contributors); err != nil {
			return nil, err
		}
	}

	sinks := []alarm.Sink{alarm.LogSink{Logger: logger}, s.recent}
	if cfg.Alarms.WebhookURL != "" {
		s.webhook = alarm.NewWebhookSink(cfg.Alarms.WebhookURL, 10*time.Second, logger)
		sinks = append(sinks, s.webhook)
	}
	alarms := alarm.NewDispatcher(cfg.Alarms.SuppressWindow, logger, s.metrics, sinks...)

	s.client, err = conversation.NewClient(channel, conversation.Settings{
		ClientID:         cfg.ClientID,
		IdentifyTimeout:  cfg.Timeouts.Identify,
		RequestTimeout:   cfg.Timeouts.Request,
		OperationTimeout: cfg.Timeouts.Operation,
		IdentifyRetries:  cfg.Timeouts.IdentifyRetries,
	}, conversation.WithLogger(logger), conversation.WithAlarmSink(alarms), conversation.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}

	s.health = coordinator.NewContributorHealth(cfg.AuditTrails.Interval, cfg.Alarms.MaxFailures, logger)
	s.health.SetRecoveryCheck(s.ping)
	s.health.SetOnUnhealthy(func(contributor string) {
		alarms.Raise(alarm.Alarm{
			Code:        alarm.CodeComponentFailure,
			Text:        "contributor excluded after repeated failures",
			Contributor: contributor,
		})
	})

	store, err := storage.NewBoltStore(cfg.AuditTrails.StorePath)
	if err != nil {
		return nil, err
	}
	s.store = store

	collectors := make([]*collector.IncrementalCollector, 0, len(cfg.Collections))
	for _, col := range s.registry.GetAll() {
		c, err := collector.NewIncrementalCollector(collector.Options{
			CollectionID: col.ID,
			PageSize:     cfg.AuditTrails.MaxResults,
			Store:        s.store,
			Starter:      s.client,
			Alarms:       alarms,
			Health:       s.health,
			Logger:       logger,
			Metrics:      s.metrics,
		})
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, c)
	}
	s.audits, err = collector.NewAuditTrailCollector(collectors, s.registry, cfg.AuditTrails.Interval, logger)
	if err != nil {
		return nil, err
	}

	cache, err := integrity.OpenCache(cfg.Integrity.CachePath, logger)
	if err != nil {
		return nil, err
	}
	s.checker = integrity.NewChecker(s.client, cache, alarms, cfg.Integrity.ChecksumType, logger, s.metrics)
	return s, nil
}

// start launches the audit trail timer, the health rechecks and the periodic
// integrity checks.
func (s *server) start() {
	s.audits.Start()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.health.Start(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.checker.Run(s.ctx, s.cfg.Integrity.Interval, s.collectionIDs(), s)
	}()
}

// close stops background work and releases the stores. It is safe on a
// partially built server.
func (s *server) close() {
	s.cancel()
	s.wg.Wait()
	if s.audits != nil {
		s.audits.Close()
	}
	if s.health != nil {
		s.health.Stop()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.webhook != nil {
		s.webhook.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close audit trail store", zap.Error(err))
		}
	}
	if s.checker != nil && s.checker.Cache() != nil {
		if err := s.checker.Cache().Close(); err != nil {
			s.logger.Error("failed to close checksum cache", zap.Error(err))
		}
	}
}

// Contributors returns the contributors of a collection that are not
// excluded by the health tracker.
func (s *server) Contributors(collectionID string) []string {
	var out []string
	for _, c := range s.registry.Contributors(collectionID) {
		if s.health.Available(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *server) collectionIDs() []string {
	cols := s.registry.GetAll()
	ids := make([]string, 0, len(cols))
	for _, c := range cols {
		ids = append(ids, c.ID)
	}
	return ids
}

// ping asks a contributor for its status in one of its collections. Any
// answer readmits it.
func (s *server) ping(ctx context.Context, contributor string) error {
	collections := s.registry.CollectionsOf(contributor)
	if len(collections) == 0 {
		return fmt.Errorf("contributor %s serves no collection", contributor)
	}
	res, err := ops.GetStatus(ctx, s.client, collections[0], []string{contributor})
	if res == nil {
		return err
	}
	if _, ok := res.Statuses[contributor]; ok {
		return nil
	}
	if err == nil {
		err = errors.New("no response")
	}
	return err
}
