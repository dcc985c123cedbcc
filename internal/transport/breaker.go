package transport

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states of spec.md
// §4.10.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	OpenDuration     time.Duration
	SuccessThreshold int
}

// Breaker wraps a single peer connection with the Closed/Open/HalfOpen
// state machine of spec.md §4.10. All methods are safe for concurrent
// use.
type Breaker struct {
	mu sync.Mutex
	BreakerConfig

	state        BreakerState
	consecFail   int
	consecOK     int
	openedAt     time.Time
	halfOpenBusy bool // at most one trial call permitted while HalfOpen
}

// NewBreaker creates a Breaker in the Closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{BreakerConfig: cfg, state: Closed}
}

// State returns the breaker's current state, first transitioning Open to
// HalfOpen if open_duration has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTripToHalfOpenLocked(time.Now())
	return b.state
}

func (b *Breaker) maybeTripToHalfOpenLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.OpenDuration {
		b.state = HalfOpen
		b.consecOK = 0
		b.halfOpenBusy = false
	}
}

// Call invokes op unless the circuit is Open (in which case it returns
// *CircuitOpen without invoking op), recording the outcome against the
// breaker's consecutive counters. In HalfOpen, only one trial call is
// permitted at a time; concurrent callers that lose the race also get
// *CircuitOpen.
func (b *Breaker) Call(op func() error) error {
	b.mu.Lock()
	now := time.Now()
	b.maybeTripToHalfOpenLocked(now)

	switch b.state {
	case Open:
		b.mu.Unlock()
		return &CircuitOpen{Name: b.Name}
	case HalfOpen:
		if b.halfOpenBusy {
			b.mu.Unlock()
			return &CircuitOpen{Name: b.Name}
		}
		b.halfOpenBusy = true
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.halfOpenBusy = false
	}

	if err != nil {
		if b.state == HalfOpen {
			// A single failed trial call reopens the circuit immediately.
			b.state = Open
			b.openedAt = time.Now()
			b.consecFail = 0
			b.consecOK = 0
			return err
		}
		b.consecFail++
		b.consecOK = 0
		if b.consecFail >= b.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
		return err
	}

	b.consecFail = 0
	if b.state == HalfOpen {
		b.consecOK++
		if b.consecOK >= b.SuccessThreshold {
			b.state = Closed
			b.consecOK = 0
		}
	}
	return nil
}
