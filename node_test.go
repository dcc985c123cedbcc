package claudefs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/internal/block"
	"github.com/dirkpetersen/claudefs/internal/conflict"
	"github.com/dirkpetersen/claudefs/internal/ioengine"
	"github.com/dirkpetersen/claudefs/internal/transport"
)

func requireIOUring(t *testing.T) {
	t.Helper()
	r, err := giouring.CreateRing(8)
	if err != nil {
		t.Skipf("io_uring not available in this environment: %v", err)
	}
	r.QueueExit()
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	requireIOUring(t)

	params := DefaultParams(1, t.TempDir())
	params.IOEngine = ioengine.Config{Alignment: 512, QueueDepth: 8, MaxIOSize: 1 << 20}
	params.HMACKey = []byte("test-hmac-key")

	node, err := NewNode(params, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Stop(context.Background()) })

	dir := t.TempDir()
	path := filepath.Join(dir, "device0")
	require.NoError(t, node.RegisterDevice(0, path, os.O_RDWR|os.O_CREATE, 0o600, 64<<20))

	return node
}

func TestNewNodeWiresAllComponents(t *testing.T) {
	node := newTestNode(t)
	require.NotNil(t, node.Journal)
	require.NotNil(t, node.KeyMgr)
	require.NotNil(t, node.IOEngine)
	require.NotNil(t, node.Allocator)
	require.NotNil(t, node.Conflict)
	require.NotNil(t, node.Failover)
	require.NotNil(t, node.AuthLimit)
	require.NotNil(t, node.UIDMapper)
	require.NotNil(t, node.Throttle)
	require.NotNil(t, node.Pipeline)
}

func TestNodeWritePersistsAndJournalsEntry(t *testing.T) {
	node := newTestNode(t)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}

	result, err := node.Write(context.Background(), 0, "inode-1", 1000, data, block.PlacementHotData)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Seq)
	require.Equal(t, uint64(1), node.Journal.DurableSeq())
}

func TestNodeWriteReadRoundTrip(t *testing.T) {
	node := newTestNode(t)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 3)
	}

	result, err := node.Write(context.Background(), 0, "inode-2", 2000, data, block.PlacementWarmData)
	require.NoError(t, err)

	entries := node.Journal.TailFrom(result.Seq - 1)
	require.Len(t, entries, 1)

	got, err := node.Read(context.Background(), entries[0].Op)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestNodeStartStopLifecycle(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.Start(context.Background(), 0))
	require.Error(t, node.Start(context.Background(), 0), "starting twice must fail")

	require.NoError(t, node.Stop(context.Background()))
}

func TestNodeDecodeInboundFrameTranslatesProtocolErrors(t *testing.T) {
	node := newTestNode(t)

	buf, err := transport.EncodeFrame(transport.OpHealthPing, transport.FlagNone, nil)
	require.NoError(t, err)

	_, _, err = node.DecodeInboundFrame(buf)
	require.NoError(t, err)

	badMagic := append([]byte(nil), buf...)
	badMagic[0] ^= 0xFF
	_, _, err = node.DecodeInboundFrame(badMagic)
	require.True(t, IsCode(err, CodeBadMagic))

	badVersion := append([]byte(nil), buf...)
	badVersion[4] = 0xFF
	_, _, err = node.DecodeInboundFrame(badVersion)
	require.True(t, IsCode(err, CodeBadVersion))

	badOpcode := append([]byte(nil), buf...)
	badOpcode[5] = 0xFF
	_, _, err = node.DecodeInboundFrame(badOpcode)
	require.True(t, IsCode(err, CodeBadOpcode))
}

func TestNodeApplyInboundUsesConflictResolver(t *testing.T) {
	node := newTestNode(t)

	outcome := node.ApplyInbound("inode-9", conflict.State{TimestampUs: 10, SiteID: 1, Seq: 1})
	require.Equal(t, "applied", outcome.String())

	worse := node.ApplyInbound("inode-9", conflict.State{TimestampUs: 5, SiteID: 1, Seq: 2})
	require.Equal(t, "suppressed", worse.String())
}
