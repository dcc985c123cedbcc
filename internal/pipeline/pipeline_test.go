package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/internal/conduit"
	"github.com/dirkpetersen/claudefs/internal/journal"
	"github.com/dirkpetersen/claudefs/internal/throttle"
)

// newAlwaysDenyThrottle returns a Manager whose buckets start (and stay)
// too small to admit even a one-entry send, used to exercise the
// throttle-stall path deterministically.
func newAlwaysDenyThrottle() *throttle.Manager {
	return throttle.New(throttle.Config{
		ByteRatePerSec:  0.0001,
		EntryRatePerSec: 0.0001,
		BurstFactor:     0.0001,
	})
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.New(journal.DefaultConfig(1, t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestCompactLWWRetainsLatestPerKey(t *testing.T) {
	entries := []journal.Entry{
		{Identity: "inode-1", TimestampUs: 10, Seq: 1},
		{Identity: "inode-1", TimestampUs: 20, Seq: 2},
		{Identity: "inode-2", TimestampUs: 15, Seq: 3},
	}

	out := compactLWW(entries)
	require.Len(t, out, 2)

	byID := map[string]journal.Entry{}
	for _, e := range out {
		byID[e.Identity] = e
	}
	assert.Equal(t, uint64(20), byID["inode-1"].TimestampUs)
	assert.Equal(t, uint64(15), byID["inode-2"].TimestampUs)
}

func TestCompactLWWTiesBrokenBySeq(t *testing.T) {
	entries := []journal.Entry{
		{Identity: "inode-1", TimestampUs: 10, Seq: 1},
		{Identity: "inode-1", TimestampUs: 10, Seq: 5},
	}

	out := compactLWW(entries)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(5), out[0].Seq)
}

func TestPipelineDispatchesBatchesToPeers(t *testing.T) {
	j := newTestJournal(t)

	var mu sync.Mutex
	var received []conduit.EntryBatch
	peer := Peer{
		SiteID: 2,
		Send: func(ctx context.Context, batch conduit.EntryBatch) error {
			mu.Lock()
			received = append(received, batch)
			mu.Unlock()
			return nil
		},
	}

	p := New(Config{
		LocalSiteID:       1,
		MaxBatchSize:      4,
		BatchTimeout:      20 * time.Millisecond,
		CompactBeforeSend: true,
		Peers:             []Peer{peer},
		HMACKey:           []byte("key"),
	}, j, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx, 0))

	for i := 0; i < 3; i++ {
		_, err := j.Append(uint64(100+i), []byte("op"), "inode-1")
		require.NoError(t, err)
	}
	require.NoError(t, j.Sync())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, time.Second, 10*time.Millisecond)

	snap := p.Stats().Snapshot()
	assert.Equal(t, uint64(3), snap.EntriesTailed)
	assert.Equal(t, uint64(2), snap.EntriesCompactedAway)
	assert.Equal(t, uint64(1), snap.TotalEntriesSent)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, Stopped, p.State())
}

func TestPipelineThrottleStallIncrementsStats(t *testing.T) {
	j := newTestJournal(t)

	peer := Peer{
		SiteID: 2,
		Send: func(ctx context.Context, batch conduit.EntryBatch) error {
			t.Fatal("send must not be called when throttled")
			return nil
		},
	}

	mgr := newAlwaysDenyThrottle()
	p := New(Config{
		LocalSiteID:  1,
		MaxBatchSize: 4,
		BatchTimeout: 10 * time.Millisecond,
		Peers:        []Peer{peer},
		HMACKey:      []byte("key"),
		Throttle:     mgr,
	}, j, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx, 0))

	_, err := j.Append(100, []byte("op"), "inode-1")
	require.NoError(t, err)
	require.NoError(t, j.Sync())

	require.Eventually(t, func() bool {
		return p.Stats().Snapshot().ThrottleStalls > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
}
