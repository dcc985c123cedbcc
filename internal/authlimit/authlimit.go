// Package authlimit implements the per-site auth rate limiter of
// spec.md §4.6: a sliding 60-second window of attempt timestamps backing
// an explicit lockout, plus a batch token bucket and an optional global
// byte-rate bucket.
//
// The sliding window is grounded on
// joeycumines-go-utilpkg/catrate.Limiter, whose multi-window
// discrete-event tracking is an exact shape match for "count attempts in
// the last 60 seconds." catrate.Limiter multiplexes categories inside one
// instance; this package instead keeps one Limiter per site so that
// ResetSite can discard a site's entire window by just dropping its
// Limiter, rather than needing a category-scoped reset catrate doesn't
// expose. The batch and global dimensions reuse internal/throttle's
// continuous-refill bucket, since spec.md §4.5 and §4.6 describe the same
// token-bucket shape for both.
package authlimit

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/dirkpetersen/claudefs/internal/constants"
	"github.com/dirkpetersen/claudefs/internal/throttle"
)

// Config configures a Limiter. Zero MaxBatchesPerSecond/
// GlobalByteRatePerSec mean unlimited for that dimension.
type Config struct {
	MaxAuthAttemptsPerMinute int
	LockoutDuration          time.Duration
	MaxBatchesPerSecond      float64
	GlobalByteRatePerSec     float64
	AdminToken               []byte
}

// Limiter implements spec.md §4.6's per-site auth attempt limiter,
// batch/global throttles, and constant-time admin token check.
type Limiter struct {
	mu              sync.Mutex
	rates           map[time.Duration]int
	windows         map[uint64]*catrate.Limiter
	lockedUntil     map[uint64]time.Time
	lockoutDuration time.Duration

	batch           *throttle.Manager
	batchRatePerSec float64

	global                *throttle.Manager
	globalByteRatePerSec  float64

	adminToken []byte
}

// New creates a Limiter. Zero MaxAuthAttemptsPerMinute/LockoutDuration
// fall back to constants.DefaultMaxAuthAttemptsPerMinute and
// constants.DefaultLockoutDuration.
func New(cfg Config) *Limiter {
	maxAttempts := cfg.MaxAuthAttemptsPerMinute
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultMaxAuthAttemptsPerMinute
	}
	lockout := cfg.LockoutDuration
	if lockout <= 0 {
		lockout = constants.DefaultLockoutDuration
	}

	l := &Limiter{
		rates:           map[time.Duration]int{time.Minute: maxAttempts},
		windows:         make(map[uint64]*catrate.Limiter),
		lockedUntil:     make(map[uint64]time.Time),
		lockoutDuration: lockout,
		batch:           throttle.New(throttle.Config{EntryRatePerSec: cfg.MaxBatchesPerSecond, BurstFactor: 1}),
		batchRatePerSec: cfg.MaxBatchesPerSecond,
		adminToken:      append([]byte(nil), cfg.AdminToken...),
	}
	if cfg.GlobalByteRatePerSec > 0 {
		l.global = throttle.New(throttle.Config{ByteRatePerSec: cfg.GlobalByteRatePerSec, BurstFactor: 1})
		l.globalByteRatePerSec = cfg.GlobalByteRatePerSec
	}
	return l
}

// CheckAuthAttempt registers one auth attempt for site at now. If the
// site is still locked out at now, it returns *Blocked carrying the
// existing lockout end. If this attempt pushes it over
// max_auth_attempts_per_minute, it locks the site until
// now+lockout_duration and returns *Blocked.
func (l *Limiter) CheckAuthAttempt(siteID uint64, now time.Time) error {
	l.mu.Lock()
	if until, locked := l.lockedUntil[siteID]; locked {
		if now.Before(until) {
			l.mu.Unlock()
			return &Blocked{Reason: "too many auth attempts", UntilUs: uint64(until.UnixMicro())}
		}
		delete(l.lockedUntil, siteID)
	}
	win, ok := l.windows[siteID]
	if !ok {
		win = catrate.NewLimiter(l.rates)
		l.windows[siteID] = win
	}
	l.mu.Unlock()

	if _, allowed := win.Allow(siteID); allowed {
		return nil
	}

	until := now.Add(l.lockoutDuration)
	l.mu.Lock()
	l.lockedUntil[siteID] = until
	l.mu.Unlock()
	return &Blocked{Reason: "too many auth attempts", UntilUs: uint64(until.UnixMicro())}
}

// CheckBatch debits one token from site's batch bucket. Insufficient
// tokens return *Throttled with an estimated wait.
func (l *Limiter) CheckBatch(siteID uint64, now time.Time) error {
	if l.batch.TrySend(siteID, 0, 1, now) {
		return nil
	}
	waitMs := waitMsFor(1-l.batch.AvailableEntries(siteID, now), l.batchRatePerSec)
	return &Throttled{WaitMs: waitMs}
}

// CheckBytes debits byteCount from the optional global byte-rate bucket.
// If no global bucket is configured, it always succeeds.
func (l *Limiter) CheckBytes(byteCount uint64, now time.Time) error {
	if l.global == nil {
		return nil
	}
	const globalKey = 0
	if l.global.TrySend(globalKey, byteCount, 0, now) {
		return nil
	}
	waitMs := waitMsFor(float64(byteCount)-l.global.AvailableBytes(globalKey, now), l.globalByteRatePerSec)
	return &Throttled{WaitMs: waitMs}
}

func waitMsFor(deficit, ratePerSec float64) uint64 {
	if deficit <= 0 || ratePerSec <= 0 {
		return 0
	}
	return uint64(deficit / ratePerSec * 1000)
}

// ResetSite clears site's sliding window, lockout, and restores its
// batch tokens to full.
func (l *Limiter) ResetSite(siteID uint64) {
	l.mu.Lock()
	delete(l.windows, siteID)
	delete(l.lockedUntil, siteID)
	l.mu.Unlock()
	l.batch.Reset(siteID)
}

// CheckAdminToken performs a constant-time comparison of provided against
// the configured admin token. A missing/unconfigured admin token always
// rejects, per spec.md §4.6.
func (l *Limiter) CheckAdminToken(provided []byte) bool {
	if len(l.adminToken) == 0 || len(provided) != len(l.adminToken) {
		return false
	}
	return subtle.ConstantTimeCompare(provided, l.adminToken) == 1
}
