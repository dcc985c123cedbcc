package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := New(DefaultConfig(1, dir), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	j := newTestJournal(t)

	e1, err := j.Append(100, []byte("op1"), "alice")
	require.NoError(t, err)
	e2, err := j.Append(100, []byte("op2"), "alice")
	require.NoError(t, err)
	e3, err := j.Append(200, []byte("op3"), "alice")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(3), e3.Seq)
}

func TestAppendRejectsNonMonotonicTimestamp(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Append(200, []byte("op1"), "alice")
	require.NoError(t, err)

	_, err = j.Append(100, []byte("op2"), "alice")
	assert.ErrorIs(t, err, ErrNonMonotonicTimestamp)
}

func TestAppendAllowsSameMicrosecondTiesBrokenBySeq(t *testing.T) {
	j := newTestJournal(t)

	e1, err := j.Append(100, []byte("op1"), "alice")
	require.NoError(t, err)
	e2, err := j.Append(100, []byte("op2"), "alice")
	require.NoError(t, err)

	assert.Equal(t, e1.TimestampUs, e2.TimestampUs)
	assert.Less(t, e1.Seq, e2.Seq)
}

func TestEntriesNotVisibleUntilSync(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Append(100, []byte("op1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), j.DurableSeq())
	assert.Empty(t, j.TailFrom(0))

	require.NoError(t, j.Sync())
	assert.Equal(t, uint64(1), j.DurableSeq())
	assert.Len(t, j.TailFrom(0), 1)
}

func TestTailFromReturnsOnlyNewerEntries(t *testing.T) {
	j := newTestJournal(t)

	for i := uint64(0); i < 5; i++ {
		_, err := j.Append(100+i, []byte("op"), "alice")
		require.NoError(t, err)
	}
	require.NoError(t, j.Sync())

	tail := j.TailFrom(3)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
	assert.Equal(t, uint64(5), tail[1].Seq)
}

func TestWaitForDurableUnblocksOnSync(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Append(100, []byte("op1"), "alice")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- j.WaitForDurable(context.Background(), 1)
	}()

	select {
	case <-done:
		t.Fatal("WaitForDurable returned before Sync")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, j.Sync())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForDurable did not unblock after Sync")
	}
}

func TestWaitForDurableRespectsContextCancellation(t *testing.T) {
	j := newTestJournal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := j.WaitForDurable(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSegmentRollsOverWhenMaxBytesExceeded(t *testing.T) {
	dir := t.TempDir()
	j, err := New(Config{SiteID: 1, Dir: dir, MaxSegmentBytes: 64}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	payload := make([]byte, 32)
	for i := 0; i < 5; i++ {
		_, err := j.Append(uint64(100+i), payload, "alice")
		require.NoError(t, err)
	}

	assert.NotEmpty(t, j.SealedSegments())
}

func TestCloseSealsActiveSegment(t *testing.T) {
	dir := t.TempDir()
	j, err := New(DefaultConfig(1, dir), nil)
	require.NoError(t, err)

	_, err = j.Append(100, []byte("op1"), "alice")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	segs := j.SealedSegments()
	require.Len(t, segs, 1)
	assert.False(t, segs[0].SealedAt.IsZero())

	_, err = j.Append(200, []byte("op2"), "alice")
	assert.ErrorIs(t, err, ErrClosed)
}
