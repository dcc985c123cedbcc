// Package conflict implements the peer-side last-writer-wins resolver of
// spec.md §4.8: for every inbound entry, compare against the key's
// current state and keep the winner by deterministic total order. The
// audit-trail shape (a bounded ring of records, read-and-cleared) is
// grounded on the teacher's Metrics.Snapshot() pattern, generalized from
// atomic counters to audit records; comparisons in tests use
// github.com/go-test/deep, matching the teacher's struct-diff test style.
package conflict

import "sync"

// Key identifies the unit of state LWW resolution operates over (e.g. an
// inode or a block range), left opaque to this package.
type Key = string

// State is the last-writer-wins-relevant metadata of one key's current
// value: the fields that decide who wins, per spec.md §4.8's total order.
type State struct {
	TimestampUs uint64
	SiteID      uint64
	Seq         uint64
}

// less reports whether a loses to b under spec.md §4.8's order: larger
// timestamp wins; ties broken by greater site_id, then greater seq.
func less(a, b State) bool {
	if a.TimestampUs != b.TimestampUs {
		return a.TimestampUs < b.TimestampUs
	}
	if a.SiteID != b.SiteID {
		return a.SiteID < b.SiteID
	}
	return a.Seq < b.Seq
}

// Outcome is Apply's verdict for one inbound entry.
type Outcome int

const (
	// Applied means the inbound entry won and should be written.
	Applied Outcome = iota
	// Suppressed means the inbound entry lost to the key's current state
	// and must not be applied.
	Suppressed
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "suppressed"
}

// AuditRecord is emitted for every resolved conflict (a key with a
// pre-existing State that a new inbound State was compared against).
type AuditRecord struct {
	Key      Key
	Winner   State
	Loser    State
	Outcome  Outcome
}

// Resolver tracks per-key current state and resolves inbound entries by
// LWW, emitting a bounded audit trail.
type Resolver struct {
	mu         sync.Mutex
	current    map[Key]State
	audit      []AuditRecord
	auditLimit int
}

// DefaultAuditLimit bounds the in-memory audit trail ring.
const DefaultAuditLimit = 4096

// New creates a Resolver. A zero auditLimit defaults to
// DefaultAuditLimit.
func New(auditLimit int) *Resolver {
	if auditLimit <= 0 {
		auditLimit = DefaultAuditLimit
	}
	return &Resolver{
		current:    make(map[Key]State),
		auditLimit: auditLimit,
	}
}

// Apply resolves inbound against key's current state. If there is no
// prior state, inbound always wins and no audit record is emitted (there
// was no conflict to resolve). Otherwise the winner (by spec.md §4.8's
// order) becomes the key's new current state; if inbound lost, an audit
// record is appended and Suppressed is returned.
func (r *Resolver) Apply(key Key, inbound State) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.current[key]
	if !ok {
		r.current[key] = inbound
		return Applied
	}

	if less(inbound, existing) {
		r.recordLocked(AuditRecord{Key: key, Winner: existing, Loser: inbound, Outcome: Suppressed})
		return Suppressed
	}

	r.current[key] = inbound
	if inbound != existing {
		r.recordLocked(AuditRecord{Key: key, Winner: inbound, Loser: existing, Outcome: Applied})
	}
	return Applied
}

func (r *Resolver) recordLocked(rec AuditRecord) {
	r.audit = append(r.audit, rec)
	if len(r.audit) > r.auditLimit {
		r.audit = r.audit[len(r.audit)-r.auditLimit:]
	}
}

// CurrentState returns key's current resolved state, if any.
func (r *Resolver) CurrentState(key Key) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.current[key]
	return s, ok
}

// DrainAudit returns and clears the audit trail accumulated so far.
func (r *Resolver) DrainAudit() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.audit
	r.audit = nil
	return out
}
