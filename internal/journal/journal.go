// Package journal implements the append-only per-site log and its WAL
// durable prefix described in spec.md §4.4: entries are assigned a
// strictly increasing sequence number, written to an active segment file,
// and become visible to tailers only once fsync acknowledges the segment
// containing them.
//
// The state progression an entry moves through — buffered in an active
// segment, then fsynced and durable, then eventually sealed into a
// retired segment — is grounded on the ordered-append state machine in
// other_examples/6564a841_dwarri-gazette__broker-append_fsm.go.go: a
// Fragment accumulates client content, is proposed and scattered to
// peers, and only then committed. Here there are no peers to synchronize
// with inside this package (that is internal/conduit's job), but the
// same "accumulate, then durably commit" shape applies to a single
// site's segment.
package journal

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dirkpetersen/claudefs/internal/logging"
)

// DefaultMaxSegmentBytes bounds how large an active segment grows before
// it is sealed and a new one started.
const DefaultMaxSegmentBytes = 64 << 20

// Entry is one record in the journal: spec.md §4.1's JournalEntry.
type Entry struct {
	Seq         uint64
	SiteID      uint64
	TimestampUs uint64
	Op          []byte
	Identity    string
}

// Config configures a Journal.
type Config struct {
	SiteID          uint64
	Dir             string
	MaxSegmentBytes uint64
}

// DefaultConfig returns sensible defaults for siteID rooted at dir.
func DefaultConfig(siteID uint64, dir string) Config {
	return Config{
		SiteID:          siteID,
		Dir:             dir,
		MaxSegmentBytes: DefaultMaxSegmentBytes,
	}
}

// Journal is an append-only, per-site ordered log backed by WAL segment
// files. All exported methods are safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cfg    Config
	logger *logging.Logger

	active  *segment
	sealed  []SegmentMeta
	pending []Entry // appended to the active segment, not yet fsynced

	allEntries []Entry // full in-process record, used by TailFrom

	lastSeq         uint64
	lastTimestampUs uint64
	durableSeq      uint64
	closed          bool
}

// New creates a Journal rooted at cfg.Dir, opening the first active
// segment. The directory must already exist.
func New(cfg Config, logger *logging.Logger) (*Journal, error) {
	if cfg.MaxSegmentBytes == 0 {
		cfg.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	seg, err := createSegment(cfg.Dir)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:    cfg,
		logger: logger,
		active: seg,
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// Append assigns the next sequence number to op, enforces that
// timestampUs is monotonic with respect to the last accepted timestamp
// for this site, and buffers the resulting Entry in the active segment.
// The entry is not durable (and not visible to tailers) until Sync is
// called; spec.md §4.4 requires a durable prefix, not durable-on-write.
func (j *Journal) Append(timestampUs uint64, op []byte, identity string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}
	if timestampUs < j.lastTimestampUs {
		return Entry{}, ErrNonMonotonicTimestamp
	}

	e := Entry{
		Seq:         j.lastSeq + 1,
		SiteID:      j.cfg.SiteID,
		TimestampUs: timestampUs,
		Op:          op,
		Identity:    identity,
	}

	if _, err := j.active.appendRecord(e); err != nil {
		return Entry{}, err
	}

	j.lastSeq = e.Seq
	j.lastTimestampUs = timestampUs
	j.pending = append(j.pending, e)
	j.allEntries = append(j.allEntries, e)

	if j.active.size >= j.cfg.MaxSegmentBytes {
		if err := j.rollLocked(); err != nil {
			return Entry{}, err
		}
	}

	return e, nil
}

// rollLocked seals the active segment and opens a new one. Callers must
// hold j.mu.
func (j *Journal) rollLocked() error {
	meta, err := j.active.seal()
	if err != nil {
		return err
	}
	j.sealed = append(j.sealed, meta)

	seg, err := createSegment(j.cfg.Dir)
	if err != nil {
		return err
	}
	j.active = seg
	return nil
}

// Sync fsyncs the active segment, advancing the durable sequence number
// to the highest seq appended so far and waking any goroutines blocked in
// WaitForDurable. This is the sole point at which entries become visible
// to the replication pipeline, per spec.md §4.4.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if len(j.pending) == 0 {
		return nil
	}
	if err := j.active.fsync(); err != nil {
		return err
	}
	j.durableSeq = j.lastSeq
	j.pending = j.pending[:0]
	j.cond.Broadcast()
	return nil
}

// DurableSeq returns the highest sequence number currently fsynced.
func (j *Journal) DurableSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.durableSeq
}

// WaitForDurable blocks until seq has been fsynced (DurableSeq() >= seq)
// or ctx is done.
func (j *Journal) WaitForDurable(ctx context.Context, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			j.cond.Broadcast()
			j.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for j.durableSeq < seq && !j.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.cond.Wait()
	}
	if j.closed && j.durableSeq < seq {
		return ErrClosed
	}
	return ctx.Err()
}

// TailFrom returns every durable entry with Seq > afterSeq, in order.
// Sealed segments are not re-read from disk; this reflects the in-memory
// record of everything appended this process lifetime, which is
// sufficient for the pipeline's tailing use (spec.md §4.7) within a
// single running node. This package never reads segment files back from
// disk.
func (j *Journal) TailFrom(afterSeq uint64) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, 0, len(j.allEntries))
	for _, e := range j.allEntries {
		if e.Seq > afterSeq && e.Seq <= j.durableSeq {
			out = append(out, e)
		}
	}
	return out
}

// SealedSegments returns metadata for every segment sealed so far.
func (j *Journal) SealedSegments() []SegmentMeta {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]SegmentMeta, len(j.sealed))
	copy(out, j.sealed)
	return out
}

// Close seals the active segment and releases resources. Pending
// (unsynced) entries at the time of Close are discarded from the durable
// view; callers that need them durable must Sync before Close.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	j.cond.Broadcast()
	if j.active == nil {
		return nil
	}
	meta, err := j.active.seal()
	if err != nil {
		return err
	}
	j.sealed = append(j.sealed, meta)
	j.active = nil
	return nil
}
