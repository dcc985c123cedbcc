package conduit

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"
)

// ReceiverConfig configures a Receiver's bounded queue and drain
// defaults.
type ReceiverConfig struct {
	// QueueCapacity bounds pending batches; Enqueue refuses once full.
	QueueCapacity int
	// DrainMinSize/DrainMaxSize/DrainPartialTimeout control how Drain
	// collects batches; NewReceiver replaces zero values with 1, 16 and
	// 50ms respectively.
	DrainMinSize       int
	DrainMaxSize       int
	DrainPartialTimeout time.Duration
}

// Receiver holds the bounded, per-peer receive-side queue described in
// spec.md §9: "receive-side rate limit + bounded channel; backpressure
// propagates to the sender by refusing batches."
type Receiver struct {
	cfg    ReceiverConfig
	ch     chan EntryBatch
	mu     sync.Mutex
	closed bool
}

// NewReceiver creates a Receiver with the given bounded capacity.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.DrainMaxSize <= 0 {
		cfg.DrainMaxSize = 16
	}
	if cfg.DrainMinSize <= 0 {
		cfg.DrainMinSize = 1
	}
	if cfg.DrainPartialTimeout <= 0 {
		cfg.DrainPartialTimeout = 50 * time.Millisecond
	}
	return &Receiver{
		cfg: cfg,
		ch:  make(chan EntryBatch, cfg.QueueCapacity),
	}
}

// Enqueue offers batch to the bounded queue without blocking. It returns
// ErrQueueFull if there is no room — the sender must back off rather than
// the receiver blocking indefinitely.
func (r *Receiver) Enqueue(batch EntryBatch) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case r.ch <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain receives as many queued batches as are immediately available,
// waiting up to cfg.DrainPartialTimeout for at least cfg.DrainMinSize if
// fewer are queued yet, then returning whatever was collected (up to
// cfg.DrainMaxSize). It returns io.EOF-wrapped errors from go-longpoll
// untouched if the receiver is closed mid-drain.
func (r *Receiver) Drain(ctx context.Context) ([]EntryBatch, error) {
	var out []EntryBatch
	err := longpoll.Channel(ctx, &longpoll.ChannelConfig{
		MaxSize:        r.cfg.DrainMaxSize,
		MinSize:        r.cfg.DrainMinSize,
		PartialTimeout: r.cfg.DrainPartialTimeout,
	}, r.ch, func(batch EntryBatch) error {
		out = append(out, batch)
		return nil
	})
	return out, err
}

// Close marks the receiver closed and closes the underlying channel,
// unblocking any in-progress Drain with io.EOF once buffered batches are
// exhausted.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
