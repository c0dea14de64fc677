package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/conversation"
	"github.com/dreamware/bitkeep/internal/metrics"
	"github.com/dreamware/bitkeep/internal/ops"
	"github.com/dreamware/bitkeep/internal/pillar"
	"github.com/dreamware/bitkeep/internal/storage"
)

const testCollection = "books"

// countingStore counts AddAuditTrails calls on top of a MemoryStore.
type countingStore struct {
	*storage.MemoryStore
	adds atomic.Int32
}

func (s *countingStore) AddAuditTrails(events []storage.AuditEvent, collectionID, contributor string) error {
	s.adds.Add(1)
	return s.MemoryStore.AddAuditTrails(events, collectionID, contributor)
}

type fakeHealth struct {
	mu        sync.Mutex
	excluded  map[string]bool
	successes map[string]int
	failures  map[string]int
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{excluded: map[string]bool{}, successes: map[string]int{}, failures: map[string]int{}}
}

func (h *fakeHealth) Available(c string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.excluded[c]
}

func (h *fakeHealth) RecordSuccess(c string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[c]++
}

func (h *fakeHealth) RecordFailure(c string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[c]++
}

type fixture struct {
	ch        *bus.Local
	client    *conversation.Client
	store     *countingStore
	alarms    *alarm.MemorySink
	health    *fakeHealth
	metrics   *metrics.Metrics
	collector *IncrementalCollector
}

func newFixture(t *testing.T, pageSize int) *fixture {
	t.Helper()
	f := &fixture{
		ch:      bus.NewLocal(nil),
		store:   &countingStore{MemoryStore: storage.NewMemoryStore()},
		alarms:  alarm.NewMemorySink(100),
		health:  newFakeHealth(),
		metrics: &metrics.Metrics{},
	}
	t.Cleanup(func() { f.ch.Close() })

	client, err := conversation.NewClient(f.ch, conversation.Settings{
		ClientID:        "collector",
		IdentifyTimeout: 200 * time.Millisecond,
		RequestTimeout:  time.Second,
	}, conversation.WithMetrics(f.metrics))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	f.client = client

	f.collector, err = NewIncrementalCollector(Options{
		CollectionID: testCollection,
		PageSize:     pageSize,
		Store:        f.store,
		Starter:      client,
		Alarms:       f.alarms,
		Health:       f.health,
		Metrics:      f.metrics,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addPillar(t *testing.T, id string, pageSize int, files ...string) *pillar.Pillar {
	t.Helper()
	p, err := pillar.New(pillar.Config{ID: id, CollectionID: testCollection, AuditPageSize: pageSize}, f.ch, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	for _, file := range files {
		require.NoError(t, p.AddFile(file, []byte(file)))
	}
	return p
}

func TestNewIncrementalCollectorValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	client := &conversation.Client{}
	tests := []struct {
		name string
		opts Options
	}{
		{"missing collection", Options{PageSize: 1, Store: store, Starter: client}},
		{"missing store", Options{CollectionID: "c", PageSize: 1, Starter: client}},
		{"missing starter", Options{CollectionID: "c", PageSize: 1, Store: store}},
		{"zero page size", Options{CollectionID: "c", Store: store, Starter: client}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIncrementalCollector(tt.opts)
			assert.Error(t, err)
		})
	}
}

// A contributor with more results than fit a page is asked again right
// away, and each page is stored once.
func TestPagingStoresEachPageOnce(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 1, "a", "b")

	require.NoError(t, f.collector.PerformCollection(context.Background(), []string{"pillar-1"}))

	assert.Equal(t, int32(2), f.store.adds.Load())
	seq, err := f.store.LargestSequenceNumber("pillar-1", testCollection)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, Cursor{LastSequenceNumber: 2}, f.collector.Cursors()["pillar-1"])
	assert.Equal(t, int64(2), f.collector.NumberOfCollectedAudits())
	assert.Equal(t, 0, f.alarms.Len())
}

func TestSecondRoundOnlyFetchesNewEvents(t *testing.T) {
	f := newFixture(t, 100)
	p := f.addPillar(t, "pillar-1", 0, "a", "b", "c")
	ctx := context.Background()

	require.NoError(t, f.collector.PerformCollection(ctx, []string{"pillar-1"}))
	assert.Equal(t, int32(1), f.store.adds.Load())

	require.NoError(t, f.collector.PerformCollection(ctx, []string{"pillar-1"}))
	assert.Equal(t, int32(1), f.store.adds.Load(), "nothing new, nothing stored")

	require.NoError(t, p.AddFile("d", nil))
	require.NoError(t, f.collector.PerformCollection(ctx, []string{"pillar-1"}))
	assert.Equal(t, int32(2), f.store.adds.Load())

	events, err := f.store.AuditTrails(storage.AuditQuery{CollectionID: testCollection})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.SequenceNumber)
		assert.Equal(t, "pillar-1", e.Contributor)
	}
}

// foreignPillar identifies positively but answers the request with a
// response tagged for another collection before the real, empty answer.
func foreignPillar(t *testing.T, ch bus.Channel, id string) {
	t.Helper()
	_, err := ch.Subscribe(cluster.CollectionDestination(testCollection), func(m *cluster.Message) {
		_ = ch.Send(context.Background(), m.Reply(cluster.KindIdentifyResponse, id, cluster.CodeIdentificationPositive, ""), m.ReplyTo)
	})
	require.NoError(t, err)
	_, err = ch.Subscribe(cluster.ContributorDestination(id), func(m *cluster.Message) {
		foreign := m.Reply(cluster.KindFinalResponse, id, cluster.CodeOperationCompleted, "")
		foreign.CollectionID = "other-collection"
		_ = foreign.SetPayload(ops.AuditTrailsResponse{Events: []storage.AuditEvent{{SequenceNumber: 1, Action: "PUT_FILE"}}})
		_ = ch.Send(context.Background(), foreign, m.ReplyTo)

		time.Sleep(50 * time.Millisecond)
		own := m.Reply(cluster.KindFinalResponse, id, cluster.CodeOperationCompleted, "")
		_ = own.SetPayload(ops.AuditTrailsResponse{Events: []storage.AuditEvent{}})
		_ = ch.Send(context.Background(), own, m.ReplyTo)
	})
	require.NoError(t, err)
}

func TestForeignCollectionResponseIgnored(t *testing.T) {
	f := newFixture(t, 10)
	foreignPillar(t, f.ch, "pillar-x")

	require.NoError(t, f.collector.PerformCollection(context.Background(), []string{"pillar-x"}))

	assert.Equal(t, int32(0), f.store.adds.Load())
	assert.Equal(t, 0, f.store.Stats().Events)
	assert.Equal(t, 0, f.alarms.Len())
	assert.Equal(t, int64(1), f.metrics.ForeignResponses.Load())
}

func TestFailingContributorIsolated(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a")
	silent := f.addPillar(t, "pillar-2", 0, "b")
	silent.Pause()

	require.NoError(t, f.collector.PerformCollection(context.Background(), []string{"pillar-1", "pillar-2"}))

	seq, _ := f.store.LargestSequenceNumber("pillar-1", testCollection)
	assert.Equal(t, uint64(1), seq)
	seq, _ = f.store.LargestSequenceNumber("pillar-2", testCollection)
	assert.Equal(t, uint64(0), seq)

	alarms := f.alarms.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, alarm.CodeComponentFailure, alarms[0].Code)
	assert.Equal(t, "pillar-2", alarms[0].Contributor)
	assert.Equal(t, testCollection, alarms[0].CollectionID)

	f.health.mu.Lock()
	assert.Equal(t, 1, f.health.failures["pillar-2"])
	assert.Equal(t, 1, f.health.successes["pillar-1"])
	f.health.mu.Unlock()
}

// mutePillar identifies positively and never answers the request.
func mutePillar(t *testing.T, ch bus.Channel, id string) {
	t.Helper()
	_, err := ch.Subscribe(cluster.CollectionDestination(testCollection), func(m *cluster.Message) {
		_ = ch.Send(context.Background(), m.Reply(cluster.KindIdentifyResponse, id, cluster.CodeIdentificationPositive, ""), m.ReplyTo)
	})
	require.NoError(t, err)
}

func TestRequestTimeoutAlarmedOnce(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a")
	mutePillar(t, f.ch, "pillar-2")

	// The conversation and the collector share one alarm sink, as in the
	// coordinator.
	client, err := conversation.NewClient(f.ch, conversation.Settings{
		ClientID:        "collector-alarmed",
		IdentifyTimeout: 200 * time.Millisecond,
		RequestTimeout:  100 * time.Millisecond,
	}, conversation.WithAlarmSink(f.alarms))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	c, err := NewIncrementalCollector(Options{
		CollectionID: testCollection,
		PageSize:     10,
		Store:        f.store,
		Starter:      client,
		Alarms:       f.alarms,
		Health:       f.health,
	})
	require.NoError(t, err)

	require.NoError(t, c.PerformCollection(context.Background(), []string{"pillar-1", "pillar-2"}))

	alarms := f.alarms.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, alarm.CodeComponentTimeout, alarms[0].Code)
	assert.Equal(t, "pillar-2", alarms[0].Contributor)

	f.health.mu.Lock()
	assert.Equal(t, 1, f.health.failures["pillar-2"], "the timeout still counts against the contributor")
	f.health.mu.Unlock()
}

func TestEveryContributorSilent(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a").Pause()

	err := f.collector.PerformCollection(context.Background(), []string{"pillar-1"})
	assert.NoError(t, err, "a round never fails because of its contributors")
	assert.Equal(t, 1, f.alarms.Len())
}

func TestExcludedContributorNotQueried(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a")
	f.addPillar(t, "pillar-2", 0, "b")
	f.health.excluded["pillar-2"] = true

	require.NoError(t, f.collector.PerformCollection(context.Background(), []string{"pillar-1", "pillar-2"}))
	seq, _ := f.store.LargestSequenceNumber("pillar-2", testCollection)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, 0, f.alarms.Len())
	_, seen := f.collector.Cursors()["pillar-2"]
	assert.False(t, seen)
}

func TestConcurrentRoundIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a").Pause()

	done := make(chan error, 1)
	go func() { done <- f.collector.PerformCollection(context.Background(), []string{"pillar-1"}) }()
	require.Eventually(t, f.collector.Running, time.Second, 5*time.Millisecond)

	err := f.collector.PerformCollection(context.Background(), []string{"pillar-1"})
	assert.True(t, errors.Is(err, ErrRoundInProgress))
	assert.Equal(t, int64(1), f.metrics.AuditRoundsSkipped.Load())

	require.NoError(t, <-done)
	assert.False(t, f.collector.Running())
}

func TestRoundStopsWithContext(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a").Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := f.collector.PerformCollection(ctx, []string{"pillar-1"})
	assert.Error(t, err)
	assert.Equal(t, int32(0), f.store.adds.Load())
}

type staticSource map[string][]string

func (s staticSource) Contributors(collectionID string) []string { return s[collectionID] }

func TestAuditTrailCollectorOnDemand(t *testing.T) {
	f := newFixture(t, 10)
	f.addPillar(t, "pillar-1", 0, "a", "b")

	other, err := NewIncrementalCollector(Options{
		CollectionID: "empty", PageSize: 10, Store: f.store, Starter: f.client, Alarms: f.alarms,
	})
	require.NoError(t, err)

	source := staticSource{testCollection: {"pillar-1"}}
	sched, err := NewAuditTrailCollector([]*IncrementalCollector{f.collector, other}, source, 0, nil)
	require.NoError(t, err)
	defer sched.Close()

	assert.Equal(t, []string{"books", "empty"}, sched.Collections())
	require.NoError(t, sched.CollectNewestAudits(context.Background()))
	assert.Equal(t, int64(2), f.collector.NumberOfCollectedAudits())
	assert.Equal(t, int64(0), other.NumberOfCollectedAudits())

	c, ok := sched.Collector(testCollection)
	require.True(t, ok)
	assert.Same(t, f.collector, c)

	sched.Close()
	assert.Error(t, sched.CollectNewestAudits(context.Background()))
}

func TestAuditTrailCollectorTicker(t *testing.T) {
	f := newFixture(t, 10)
	p := f.addPillar(t, "pillar-1", 0, "a")

	sched, err := NewAuditTrailCollector([]*IncrementalCollector{f.collector}, staticSource{testCollection: {"pillar-1"}}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	sched.Start()
	sched.Start()

	require.Eventually(t, func() bool { return f.collector.NumberOfCollectedAudits() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.AddFile("b", nil))
	require.Eventually(t, func() bool { return f.collector.NumberOfCollectedAudits() == 2 }, 2*time.Second, 10*time.Millisecond)

	sched.Close()
	assert.False(t, f.collector.Running())
}

func TestAuditTrailCollectorRejectsDuplicates(t *testing.T) {
	f := newFixture(t, 10)
	_, err := NewAuditTrailCollector([]*IncrementalCollector{f.collector, f.collector}, staticSource{}, 0, nil)
	assert.Error(t, err)

	_, err = NewAuditTrailCollector(nil, nil, 0, nil)
	assert.Error(t, err)
}
