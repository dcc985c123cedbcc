package ioengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireIOUring skips the test on hosts/sandboxes where io_uring is
// unavailable (seccomp-restricted containers, older kernels), mirroring the
// teacher's requireRoot/requireUblkModule skip helpers in
// test/integration/integration_test.go.
func requireIOUring(t *testing.T) {
	t.Helper()
	r, err := giouring.CreateRing(8)
	if err != nil {
		t.Skipf("io_uring not available in this environment: %v", err)
	}
	r.QueueExit()
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	requireIOUring(t)

	e, err := New(Config{Alignment: 512, QueueDepth: 8, MaxIOSize: 1 << 20}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "device0")
	require.NoError(t, e.RegisterDevice(0, path, os.O_RDWR|os.O_CREATE, 0o600, 512))

	t.Cleanup(e.CloseAll)
	return e, path
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}

	sum, err := e.Write(0, 0, data)
	require.NoError(t, err)

	got, err := e.Read(0, 0, 512, sum)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadChecksumMismatch(t *testing.T) {
	e, _ := newTestEngine(t)

	data := make([]byte, 512)
	_, err := e.Write(0, 0, data)
	require.NoError(t, err)

	var wrong [32]byte
	_, err = e.Read(0, 0, 512, wrong)
	require.Error(t, err)
	var mismatch *ChecksumMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestUnalignedOffsetRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	data := make([]byte, 512)
	_, err := e.Write(0, 1, data)
	require.Error(t, err)
	var notAligned *NotAligned
	assert.ErrorAs(t, err, &notAligned)
}

func TestUnalignedLengthRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	data := make([]byte, 100)
	_, err := e.Write(0, 0, data)
	require.Error(t, err)
	var notAligned *NotAligned
	assert.ErrorAs(t, err, &notAligned)
}

func TestFsyncAndPunchHole(t *testing.T) {
	e, _ := newTestEngine(t)

	data := make([]byte, 1024)
	_, err := e.Write(0, 0, data)
	require.NoError(t, err)

	require.NoError(t, e.Fsync(0))
	require.NoError(t, e.PunchHole(0, 0, 512))
}

func TestOperationsOnUnregisteredDevice(t *testing.T) {
	requireIOUring(t)
	e, err := New(Config{Alignment: 512, QueueDepth: 8, MaxIOSize: 1 << 20}, nil)
	require.NoError(t, err)

	_, err = e.Read(9, 0, 512, [32]byte{})
	assert.ErrorIs(t, err, ErrDeviceNotRegistered)
}

func TestDoubleCloseIsSafe(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Close(0))
	assert.ErrorIs(t, e.Close(0), ErrDeviceNotRegistered)
}

func TestRegisterDuplicateDeviceRejected(t *testing.T) {
	e, path := newTestEngine(t)
	err := e.RegisterDevice(0, path, os.O_RDWR, 0o600, 512)
	assert.ErrorIs(t, err, ErrDeviceExists)
}
