package ioengine

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/dirkpetersen/claudefs/internal/logging"
)

// DeviceHandle is an owned, exclusively-held file descriptor for a backing
// device or file. Close is idempotent by construction: a sync.Once guards
// the underlying close so a double Close can never reach the kernel twice
// and no raw descriptor integer escapes past this handle's lifetime — the
// same fd-ownership discipline the teacher's queue.Runner applies to its
// char-device descriptor.
type DeviceHandle struct {
	idx         uint16
	path        string
	alignment   uint64
	directIO    bool
	file        *os.File
	closeOnce   sync.Once
	closeErr    error
	closed      atomic.Bool
}

// openDevice opens path for deviceIdx, preferring O_DIRECT so reads/writes
// bypass the page cache and the alignment contract in spec.md §4.1 is
// meaningful. Backends that reject O_DIRECT (tmpfs, some overlay mounts)
// fall back to buffered I/O; DirectIO() reports which mode is in effect so
// callers can log the documented gap rather than fail outright.
func openDevice(idx uint16, path string, flags int, mode os.FileMode, alignment uint64) (*DeviceHandle, error) {
	f, err := os.OpenFile(path, flags|unix.O_DIRECT, mode)
	direct := true
	if err != nil {
		f, err = os.OpenFile(path, flags, mode)
		direct = false
		if err != nil {
			return nil, err
		}
	}
	return &DeviceHandle{idx: idx, path: path, alignment: alignment, directIO: direct, file: f}, nil
}

// Fd returns the raw descriptor. Callers must not retain it past a Close.
func (h *DeviceHandle) Fd() uintptr { return h.file.Fd() }

// Path returns the backing path this handle was opened against.
func (h *DeviceHandle) Path() string { return h.path }

// DirectIO reports whether O_DIRECT is actually in effect for this handle.
func (h *DeviceHandle) DirectIO() bool { return h.directIO }

// Alignment returns the required offset/length alignment for this device.
func (h *DeviceHandle) Alignment() uint64 { return h.alignment }

// Closed reports whether Close has already run.
func (h *DeviceHandle) Closed() bool { return h.closed.Load() }

// Close releases the underlying descriptor. Safe to call more than once or
// from more than one goroutine; only the first call's error is returned by
// every caller (subsequent calls observe the same result).
func (h *DeviceHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.file.Close()
		if h.closeErr != nil {
			logging.Default().Warn("device close failed", "path", h.path, "error", h.closeErr)
		}
	})
	return h.closeErr
}
