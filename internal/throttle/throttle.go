// Package throttle implements the per-site dual token-bucket rate limiter
// of spec.md §4.5: independent byte and entry buckets, refilled
// continuously by elapsed microseconds rather than a background ticker.
// No example in the retrieved pack ships a token bucket with this exact
// continuous-refill-on-check shape (go-catrate tracks discrete sliding-
// window events, not a refillable reservoir; see internal/authlimit for
// where that library does fit), so this is built directly from spec.md
// §4.5's formula in the teacher's small-mutex-guarded-struct style (the
// same shape as the teacher's Metrics type).
package throttle

import (
	"sync"
	"time"

	"github.com/dirkpetersen/claudefs/internal/constants"
)

// bucket is a single token bucket: capacity and rate are in the bucket's
// native unit (bytes or entries) per second.
type bucket struct {
	ratePerSec float64 // 0 means unlimited
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(ratePerSec, burstFactor float64, now time.Time) bucket {
	return bucket{
		ratePerSec: ratePerSec,
		capacity:   ratePerSec * burstFactor,
		tokens:     ratePerSec * burstFactor,
		lastRefill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	if b.ratePerSec <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// tryDebit refills then attempts to subtract amount. It never leaves the
// bucket partially debited: either the full amount is available and is
// subtracted, or nothing changes.
func (b *bucket) tryDebit(amount float64, now time.Time) bool {
	if b.ratePerSec <= 0 {
		return true // unlimited
	}
	b.refill(now)
	if b.tokens < amount {
		return false
	}
	b.tokens -= amount
	return true
}

func (b *bucket) available(now time.Time) float64 {
	if b.ratePerSec <= 0 {
		return -1 // sentinel for unlimited, checked by callers that care
	}
	b.refill(now)
	return b.tokens
}

// siteBuckets holds one site's byte and entry buckets.
type siteBuckets struct {
	mu      sync.Mutex
	bytes   bucket
	entries bucket
}

// Manager holds dual token buckets per site, guarded independently so
// contention on one site never blocks another.
type Manager struct {
	mu          sync.RWMutex
	sites       map[uint64]*siteBuckets
	byteRate    float64
	entryRate   float64
	burstFactor float64
}

// Config configures a Manager. Zero ByteRatePerSec/EntryRatePerSec mean
// unlimited for that dimension, per spec.md §4.5.
type Config struct {
	ByteRatePerSec  float64
	EntryRatePerSec float64
	BurstFactor     float64
}

// New creates a Manager. A zero BurstFactor defaults to
// constants.DefaultBurstFactor.
func New(cfg Config) *Manager {
	if cfg.BurstFactor <= 0 {
		cfg.BurstFactor = constants.DefaultBurstFactor
	}
	return &Manager{
		sites:       make(map[uint64]*siteBuckets),
		byteRate:    cfg.ByteRatePerSec,
		entryRate:   cfg.EntryRatePerSec,
		burstFactor: cfg.BurstFactor,
	}
}

func (m *Manager) siteLocked(siteID uint64, now time.Time) *siteBuckets {
	m.mu.RLock()
	sb, ok := m.sites[siteID]
	m.mu.RUnlock()
	if ok {
		return sb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok = m.sites[siteID]; ok {
		return sb
	}
	sb = &siteBuckets{
		bytes:   newBucket(m.byteRate, m.burstFactor, now),
		entries: newBucket(m.entryRate, m.burstFactor, now),
	}
	m.sites[siteID] = sb
	return sb
}

// TrySend atomically refills both of site's buckets as of now, then
// attempts to debit byteCount bytes and entryCount entries. It returns
// true only if both debits succeed; if either would fail, neither bucket
// is modified.
func (m *Manager) TrySend(siteID uint64, byteCount, entryCount uint64, now time.Time) bool {
	sb := m.siteLocked(siteID, now)

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.bytes.refill(now)
	sb.entries.refill(now)

	byteOK := sb.bytes.ratePerSec <= 0 || sb.bytes.tokens >= float64(byteCount)
	entryOK := sb.entries.ratePerSec <= 0 || sb.entries.tokens >= float64(entryCount)
	if !byteOK || !entryOK {
		return false
	}

	if sb.bytes.ratePerSec > 0 {
		sb.bytes.tokens -= float64(byteCount)
	}
	if sb.entries.ratePerSec > 0 {
		sb.entries.tokens -= float64(entryCount)
	}
	return true
}

// AvailableBytes reports the site's current byte-bucket capacity without
// mutating it. A negative value means the byte dimension is unlimited.
func (m *Manager) AvailableBytes(siteID uint64, now time.Time) float64 {
	sb := m.siteLocked(siteID, now)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.bytes.available(now)
}

// AvailableEntries reports the site's current entry-bucket capacity
// without mutating it. A negative value means the entry dimension is
// unlimited.
func (m *Manager) AvailableEntries(siteID uint64, now time.Time) float64 {
	sb := m.siteLocked(siteID, now)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.entries.available(now)
}

// Reset drops site's bucket state, so the next access recreates it at
// full capacity. Used by internal/authlimit's reset_site.
func (m *Manager) Reset(siteID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sites, siteID)
}
