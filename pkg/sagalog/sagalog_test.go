package sagalog

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEntries(t *testing.T, l *Log, q Query, want int) []Entry {
	t.Helper()
	var entries []Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = l.Query(context.Background(), q)
		return err == nil && len(entries) == want
	}, time.Second, 5*time.Millisecond)
	return entries
}

func TestAppendAndQuery(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	defer l.Close()

	l.Append(Entry{Level: LevelInfo, Kind: KindSagaStarted, SagaID: "s1", PartnerID: "p1"})
	l.Append(Entry{Level: LevelInfo, Kind: KindStepStarted, SagaID: "s1", PartnerID: "p1", StepName: "partner_registration"})
	l.Append(Entry{Level: LevelError, Kind: KindStepFailed, SagaID: "s2", PartnerID: "p2", StepName: "contract_creation"})

	entries := waitForEntries(t, l, Query{}, 3)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[2].Seq)

	bySaga, err := l.Query(context.Background(), Query{SagaID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySaga, 2)

	byPartner, err := l.Query(context.Background(), Query{PartnerID: "p2"})
	require.NoError(t, err)
	require.Len(t, byPartner, 1)
	assert.Equal(t, KindStepFailed, byPartner[0].Kind)

	minLevel := LevelWarn
	byLevel, err := l.Query(context.Background(), Query{MinLevel: &minLevel})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	assert.Equal(t, "s2", byLevel[0].SagaID)

	byKind, err := l.Query(context.Background(), Query{Kind: KindStepStarted})
	require.NoError(t, err)
	assert.Len(t, byKind, 1)
}

func TestQueryTimeWindowAndLimit(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Append(Entry{
			Level: LevelInfo,
			Kind:  KindEventProcessed,
			At:    base.Add(time.Duration(i) * time.Minute),
		})
	}
	waitForEntries(t, l, Query{}, 5)

	window, err := l.Query(context.Background(), Query{
		Since: base.Add(time.Minute),
		Until: base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	limited, err := l.Query(context.Background(), Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Limit keeps the most recent entries, still in insertion order.
	assert.True(t, limited[0].At.Before(limited[1].At))
}

func TestRetentionCeilingEvictsOldest(t *testing.T) {
	l, err := New(Options{MaxEntries: 10})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 25; i++ {
		l.Append(Entry{Level: LevelDebug, Kind: KindEventReceived})
	}

	var entries []Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = l.Query(context.Background(), Query{})
		return err == nil && len(entries) == 10 && entries[9].Seq == 25
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(16), entries[0].Seq, "oldest entries are evicted first")
}

func TestFileSinkReceivesAllEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	l, err := New(Options{MaxEntries: 5, FilePath: path})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		l.Append(Entry{Level: LevelInfo, Kind: KindEventProcessed, SagaID: "s1"})
	}
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	require.NoError(t, scanner.Err())
	// Evicted entries survive in the file sink.
	assert.Equal(t, 20, lines)
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	l, err := New(Options{FilePath: path, FlushInterval: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		l.Append(Entry{Level: LevelInfo, Kind: KindSagaCompleted})
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
