// Package pipeline implements the journal-tailing replication pipeline of
// spec.md §4.7: batch the journal by size-or-timeout, optionally compact
// superseded writes and remap UID/GID ownership, throttle and fan out to
// peer sites, and track PipelineStats under a single mutex.
//
// The batch window itself is grounded directly on
// github.com/joeycumines/go-microbatch's Batcher[Job]: its
// MaxSize-or-FlushInterval windowing is an exact match for spec.md §4.7's
// "either max_batch_size entries or batch_timeout_ms elapsed, whichever
// first" rule, so this package submits tailed journal entries to a
// Batcher rather than re-implementing windowing. Per-peer fanout uses
// golang.org/x/sync/errgroup for bounded concurrent dispatch, the same
// pattern the teacher's queue.Runner uses for concurrent submission
// across queues.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dirkpetersen/claudefs/internal/conduit"
	"github.com/dirkpetersen/claudefs/internal/constants"
	"github.com/dirkpetersen/claudefs/internal/journal"
	"github.com/dirkpetersen/claudefs/internal/logging"
	"github.com/dirkpetersen/claudefs/internal/throttle"
	"github.com/dirkpetersen/claudefs/internal/uidmap"
	"github.com/joeycumines/go-microbatch"
)

// State is the pipeline's lifecycle, per spec.md §4.7: "States: Idle ->
// Running -> Draining -> Stopped."
type State int

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Peer is one replication target: a site identity plus a send function
// that hands an already-encoded EntryBatch to that site's conduit
// connection (mTLS dialing and transport framing are the caller's
// concern, composed from internal/transport and internal/conduit).
type Peer struct {
	SiteID uint64
	Send   func(ctx context.Context, batch conduit.EntryBatch) error
}

// RemapFunc rewrites a journal entry's ownership fields per the UID/GID
// mapper, if the caller's operation encoding carries owner fields. Left
// as a pluggable hook because internal/journal's Op is an opaque
// caller-defined payload; pipeline does not assume an encoding for it.
type RemapFunc func(entry journal.Entry, mapper *uidmap.Mapper) journal.Entry

// Config configures a Pipeline. Field names mirror spec.md §9's
// enumerated pipeline config: local_site_id, max_batch_size,
// batch_timeout_ms, compact_before_send, apply_uid_mapping.
type Config struct {
	LocalSiteID       uint64
	MaxBatchSize      int
	BatchTimeout      time.Duration
	CompactBeforeSend bool
	ApplyUIDMapping   bool
	RemapFunc         RemapFunc
	Peers             []Peer
	HMACKey           []byte
	Throttle          *throttle.Manager
	UIDMapper         *uidmap.Mapper
}

// Pipeline tails a journal and replicates batches to configured peers.
type Pipeline struct {
	cfg    Config
	j      *journal.Journal
	logger *logging.Logger
	stats  Stats

	mu    sync.Mutex
	state State

	batcher  *microbatch.Batcher[journal.Entry]
	cancel   context.CancelFunc
	tailDone chan struct{}
}

// New creates a Pipeline tailing j. The pipeline is Idle until Start is
// called.
func New(cfg Config, j *journal.Journal, logger *logging.Logger) *Pipeline {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = constants.DefaultMaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = constants.DefaultBatchTimeout
	}
	if cfg.Throttle == nil {
		cfg.Throttle = throttle.New(throttle.Config{})
	}
	if cfg.UIDMapper == nil {
		cfg.UIDMapper = uidmap.New()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		j:      j,
		logger: logger,
		state:  Idle,
	}
}

// Stats returns the pipeline's live counters.
func (p *Pipeline) Stats() *Stats { return &p.stats }

// State reports the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start transitions Idle -> Running and begins tailing the journal.
func (p *Pipeline) Start(ctx context.Context, afterSeq uint64) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.state = Running
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.tailDone = make(chan struct{})
	p.mu.Unlock()

	p.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        p.cfg.MaxBatchSize,
		FlushInterval:  p.cfg.BatchTimeout,
		MaxConcurrency: 1,
	}, p.processBatch)

	go p.tailLoop(runCtx, afterSeq)
	return nil
}

// Stop requests drain: in-flight batches complete, then the pipeline
// enters Stopped. Per spec.md §4.7, "stop() drains in-flight batches
// then transitions to Stopped."
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.state = Draining
	cancel := p.cancel
	done := p.tailDone
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := p.batcher.Shutdown(ctx)

	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()
	return err
}

// tailLoop follows the journal's durable prefix, submitting each newly
// durable entry to the batcher in order.
func (p *Pipeline) tailLoop(ctx context.Context, afterSeq uint64) {
	defer close(p.tailDone)
	last := afterSeq
	for {
		if err := p.j.WaitForDurable(ctx, last+1); err != nil {
			return
		}
		for _, e := range p.j.TailFrom(last) {
			if _, err := p.batcher.Submit(ctx, e); err != nil {
				return
			}
			last = e.Seq
		}
	}
}

// processBatch is the microbatch.BatchProcessor invoked once per flushed
// window: spec.md §4.7's five-step process_batch.
func (p *Pipeline) processBatch(ctx context.Context, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	p.stats.addTailed(uint64(len(entries)))

	working := entries
	if p.cfg.CompactBeforeSend {
		compacted := compactLWW(entries)
		p.stats.addCompactedAway(uint64(len(entries) - len(compacted)))
		working = compacted
	}

	if p.cfg.ApplyUIDMapping && p.cfg.RemapFunc != nil {
		remapped := make([]journal.Entry, len(working))
		for i, e := range working {
			remapped[i] = p.cfg.RemapFunc(e, p.cfg.UIDMapper)
		}
		working = remapped
	}

	serialized := serializeEntries(working)
	byteCount := uint64(len(serialized))
	entryCount := uint64(len(working))

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range p.cfg.Peers {
		peer := peer
		if !p.cfg.Throttle.TrySend(peer.SiteID, byteCount, entryCount, time.Now()) {
			p.stats.addThrottleStall()
			continue
		}
		g.Go(func() error {
			batch, err := conduit.EncodeBatch(p.cfg.LocalSiteID, working[0].Seq, working[len(working)-1].Seq, serialized, true, p.cfg.HMACKey)
			if err != nil {
				p.stats.addFanoutFailure()
				return fmt.Errorf("pipeline: encode batch for site %d: %w", peer.SiteID, err)
			}
			if err := peer.Send(gctx, batch); err != nil {
				p.stats.addFanoutFailure()
				p.logger.WithField("peer", peer.SiteID).WithError(err).Warn("fanout send failed")
				return nil // best effort: continue with other sites
			}
			return nil
		})
	}
	// errgroup only aborts siblings on a real error (encode failure);
	// send failures are swallowed above so other sites still get
	// dispatched, per spec.md §4.7 step 4's "best effort, eventually
	// retry."
	if err := g.Wait(); err != nil {
		p.logger.WithError(err).Warn("batch dispatch encountered an error")
	}

	p.stats.addDispatched(entryCount)
	return nil
}

// compactLWW retains only the latest-timestamp entry per Identity, per
// spec.md §4.7 step 1. Ties are broken by the larger Seq, matching
// internal/conflict's total order without depending on that package
// (this is a local dedup within one batch window, not the peer-side
// apply resolver).
func compactLWW(entries []journal.Entry) []journal.Entry {
	latest := make(map[string]journal.Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		cur, ok := latest[e.Identity]
		if !ok {
			order = append(order, e.Identity)
			latest[e.Identity] = e
			continue
		}
		if e.TimestampUs > cur.TimestampUs || (e.TimestampUs == cur.TimestampUs && e.Seq > cur.Seq) {
			latest[e.Identity] = e
		}
	}
	out := make([]journal.Entry, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// serializeEntries frames each entry as length-prefixed fields so
// the peer can split the batch back into individual entries. The wire
// shape matches internal/journal/segment.go's own on-disk record
// encoding for consistency within the codebase.
func serializeEntries(entries []journal.Entry) []byte {
	var buf []byte
	for _, e := range entries {
		var hdr [8 + 8 + 8]byte
		putUint64(hdr[0:8], e.Seq)
		putUint64(hdr[8:16], e.SiteID)
		putUint64(hdr[16:24], e.TimestampUs)
		buf = append(buf, hdr[:]...)
		buf = appendLenPrefixed(buf, []byte(e.Identity))
		buf = appendLenPrefixed(buf, e.Op)
	}
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBuf [4]byte
	n := uint32(len(data))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, data...)
	return buf
}
