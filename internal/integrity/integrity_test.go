package integrity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/conversation"
	"github.com/dreamware/bitkeep/internal/metrics"
	"github.com/dreamware/bitkeep/internal/pillar"
)

const testCollection = "books"

func openCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCachePutGetList(t *testing.T) {
	cache := openCache(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, cache.Put(
		FileChecksums{CollectionID: testCollection, FileID: "b", Checksums: map[string]string{"p1": "x", "p2": "y"}, Conflict: true, CheckedAt: now},
		FileChecksums{CollectionID: testCollection, FileID: "a", Checksums: map[string]string{"p1": "x"}, CheckedAt: now},
		FileChecksums{CollectionID: "music", FileID: "a", Checksums: map[string]string{"p9": "z"}, CheckedAt: now},
	))

	rec, err := cache.Get(testCollection, "b")
	require.NoError(t, err)
	assert.True(t, rec.Conflict)
	assert.Equal(t, "y", rec.Checksums["p2"])
	assert.True(t, now.Equal(rec.CheckedAt))

	_, err = cache.Get(testCollection, "missing")
	assert.True(t, errors.Is(err, ErrNotCached))

	all, err := cache.List(testCollection, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].FileID)
	assert.Equal(t, "b", all[1].FileID)

	conflicts, err := cache.List(testCollection, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "b", conflicts[0].FileID)

	// A newer check replaces the record
	require.NoError(t, cache.Put(FileChecksums{CollectionID: testCollection, FileID: "b", Checksums: map[string]string{"p1": "x", "p2": "x"}}))
	rec, err = cache.Get(testCollection, "b")
	require.NoError(t, err)
	assert.False(t, rec.Conflict)
}

func TestCacheReopen(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir, nil)
	require.NoError(t, err)
	require.NoError(t, cache.Put(FileChecksums{CollectionID: testCollection, FileID: "a", Checksums: map[string]string{"p1": "x"}}))
	require.NoError(t, cache.Close())

	cache, err = OpenCache(dir, nil)
	require.NoError(t, err)
	defer cache.Close()
	rec, err := cache.Get(testCollection, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", rec.Checksums["p1"])
}

type staticSource map[string][]string

func (s staticSource) Contributors(id string) []string { return s[id] }

type fixture struct {
	pillars map[string]*pillar.Pillar
	ids     []string
	alarms  *alarm.MemorySink
	metrics *metrics.Metrics
	checker *Checker
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	ch := bus.NewLocal(nil)
	t.Cleanup(func() { ch.Close() })

	f := &fixture{pillars: map[string]*pillar.Pillar{}, alarms: alarm.NewMemorySink(100), metrics: &metrics.Metrics{}}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("pillar-%d", i)
		p, err := pillar.New(pillar.Config{ID: id, CollectionID: testCollection}, ch, nil)
		require.NoError(t, err)
		require.NoError(t, p.Start())
		t.Cleanup(p.Stop)
		f.pillars[id] = p
		f.ids = append(f.ids, id)
	}

	client, err := conversation.NewClient(ch, conversation.Settings{
		ClientID:        "integrity",
		IdentifyTimeout: 200 * time.Millisecond,
		RequestTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	f.checker = NewChecker(client, openCache(t), f.alarms, pillar.ChecksumSHA256, nil, f.metrics)
	return f
}

func (f *fixture) addEverywhere(t *testing.T, fileID, data string) {
	t.Helper()
	for _, p := range f.pillars {
		require.NoError(t, p.AddFile(fileID, []byte(data)))
	}
}

func TestCheckerHealthyCollection(t *testing.T) {
	f := newFixture(t, 3)
	f.addEverywhere(t, "a", "alpha")
	f.addEverywhere(t, "b", "beta")

	report, err := f.checker.Check(context.Background(), testCollection, f.ids)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Conflicts)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Unsuccessful)
	assert.Equal(t, 0, f.alarms.Len())

	cached, err := f.checker.Cache().List(testCollection, false)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	last, ok := f.checker.LastReport(testCollection)
	require.True(t, ok)
	assert.Same(t, report, last)
}

func TestCheckerDetectsBitRot(t *testing.T) {
	f := newFixture(t, 3)
	f.addEverywhere(t, "a", "alpha")
	require.NoError(t, f.pillars["pillar-3"].Archive().Corrupt("a", []byte("alphA")))

	report, err := f.checker.Check(context.Background(), testCollection, f.ids)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "a", report.Conflicts[0].FileID)
	assert.Equal(t, int64(1), f.metrics.ChecksumConflicts.Load())

	alarms := f.alarms.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, alarm.CodeChecksumConflict, alarms[0].Code)
	assert.Equal(t, "a", alarms[0].FileID)
	assert.Contains(t, alarms[0].Text, "pillar-3")

	cached, err := f.checker.Cache().List(testCollection, true)
	require.NoError(t, err)
	require.Len(t, cached, 1)
}

func TestCheckerReportsMissingFiles(t *testing.T) {
	f := newFixture(t, 3)
	f.addEverywhere(t, "a", "alpha")
	require.NoError(t, f.pillars["pillar-1"].AddFile("only-here", []byte("x")))
	f.pillars["pillar-3"].Pause()

	report, err := f.checker.Check(context.Background(), testCollection, f.ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"pillar-3"}, report.Unsuccessful)

	// pillar-3 is silent, so only pillar-2 can be missing a file
	require.Len(t, report.Missing, 1)
	assert.Equal(t, "only-here", report.Missing[0].FileID)
	assert.Equal(t, []string{"pillar-2"}, report.Missing[0].Missing)

	alarms := f.alarms.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, alarm.CodeIntegrityIssue, alarms[0].Code)
}

func TestCheckerNoContributors(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.checker.Check(context.Background(), testCollection, nil)
	assert.True(t, errors.Is(err, conversation.ErrNoContributorsConfigured))
}

func TestCheckerRun(t *testing.T) {
	f := newFixture(t, 2)
	f.addEverywhere(t, "a", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.checker.Run(ctx, 20*time.Millisecond, []string{testCollection}, staticSource{testCollection: f.ids})
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := f.checker.LastReport(testCollection)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
