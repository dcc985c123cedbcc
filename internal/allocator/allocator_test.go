package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/internal/block"
)

func newTestAllocator(t *testing.T, deviceIdx uint16, totalBytes uint64) *Allocator {
	t.Helper()
	a := New(nil)
	require.NoError(t, a.RegisterDevice(deviceIdx, totalBytes))
	return a
}

func TestAllocByteOffset(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))

	ref, err := a.Alloc(0, block.Size4KiB, block.PlacementHotData)
	require.NoError(t, err)

	assert.Equal(t, ref.ID.Offset*ref.Size.AsBytes(), ref.ByteOffset())
}

func TestAllocSplitsParentClass(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))

	ref, err := a.Alloc(0, block.Size4KiB, block.PlacementHotData)
	require.NoError(t, err)
	assert.Equal(t, block.Size4KiB, ref.Size)

	stats, err := a.Stats(0)
	require.NoError(t, err)
	// Splitting 1MiB -> 64KiB -> 4KiB should have left siblings behind.
	assert.Greater(t, stats[block.Size4KiB], uint64(0))
	assert.Greater(t, stats[block.Size64KiB], uint64(0))
}

func TestAllocFreeRoundTripRestoresFreeLists(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))

	before, err := a.Stats(0)
	require.NoError(t, err)

	var refs []block.Ref
	for i := 0; i < 20; i++ {
		ref, err := a.Alloc(0, block.Size4KiB, block.PlacementHotData)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		require.NoError(t, a.Free(0, ref))
	}

	after, err := a.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAllocOutOfSpace(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))

	_, err := a.Alloc(0, block.Size64MiB, block.PlacementHotData)
	require.NoError(t, err)

	_, err = a.Alloc(0, block.Size64MiB, block.PlacementHotData)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfSpace))
}

func TestAllocInvalidSize(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))

	_, err := a.Alloc(0, block.Size(123), block.PlacementHotData)
	require.Error(t, err)
}

func TestRegisterDeviceRejectsMisalignedSize(t *testing.T) {
	a := New(nil)
	err := a.RegisterDevice(0, uint64(block.Size64MiB)+1)
	require.Error(t, err)
}

func TestRegisterDeviceRejectsDuplicate(t *testing.T) {
	a := newTestAllocator(t, 0, uint64(block.Size64MiB))
	err := a.RegisterDevice(0, uint64(block.Size64MiB))
	require.Error(t, err)
}
