package ioengine

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// opKind names the operations the ring submits; submissions are not
// tagged with it (every SQE carries the same user data). Unlike the
// teacher's tag-indexed ublk
// queue, submissions here are one-shot: a single submission is always
// awaited to completion before its buffer is reused, per spec.md §4.1's
// "single-submission-then-await is the guaranteed mode" constraint, so no
// per-tag state machine is needed.
type opKind int

const (
	opRead opKind = iota
	opWrite
	opFsync
	opFallocate
)

// ring wraps a single github.com/pawelgaczynski/giouring.Ring, generalizing
// the teacher's internal/uring.Ring to plain read/write/fsync/punch_hole
// submissions instead of ublk URING_CMD control/I/O commands. One ring is
// created per registered device so device teardown can drain and close its
// ring independently of any other device's in-flight work.
type ring struct {
	mu  sync.Mutex
	r   *giouring.Ring
}

func newRing(entries uint32) (*ring, error) {
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("ioengine: create ring: %w", err)
	}
	return &ring{r: r}, nil
}

func (rg *ring) close() {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.r != nil {
		rg.r.QueueExit()
		rg.r = nil
	}
}

// submitAndWait submits a single prepared SQE and blocks until its
// completion arrives, returning the CQE result code (0 on success,
// negative errno on failure). The caller's buffer must remain live and
// unmoved for the full duration of this call.
func (rg *ring) submitAndWait(prepare func(sqe *giouring.SubmissionQueueEntry)) (int32, error) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if rg.r == nil {
		return 0, ErrDeviceClosed
	}

	sqe := rg.r.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("ioengine: submission queue full")
	}
	prepare(sqe)
	sqe.UserData = 1

	if _, err := rg.r.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("ioengine: submit: %w", err)
	}

	cqe, err := rg.r.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("ioengine: wait completion: %w", err)
	}
	res := cqe.Res
	rg.r.CQESeen(cqe)
	if res < 0 {
		return res, fmt.Errorf("ioengine: io_uring op failed: errno %d", -res)
	}
	return res, nil
}

func (rg *ring) pread(fd uintptr, buf []byte, offset uint64) (int32, error) {
	return rg.submitAndWait(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(int(fd), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
	})
}

func (rg *ring) pwrite(fd uintptr, buf []byte, offset uint64) (int32, error) {
	return rg.submitAndWait(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWrite(int(fd), uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), offset)
	})
}

func (rg *ring) fsync(fd uintptr) (int32, error) {
	return rg.submitAndWait(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(int(fd), 0)
	})
}

func (rg *ring) fallocatePunchHole(fd uintptr, offset uint64, length uint64) (int32, error) {
	return rg.submitAndWait(func(sqe *giouring.SubmissionQueueEntry) {
		// FALLOC_FL_PUNCH_HOLE | FALLOC_FL_KEEP_SIZE
		const flPunchHole = 0x02
		const flKeepSize = 0x01
		sqe.PrepareFallocate(int(fd), flPunchHole|flKeepSize, offset, length)
	})
}
