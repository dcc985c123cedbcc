// Package uidmap implements the pipeline's UID/GID remap table named but
// left unspecified by spec.md §4.7 step 2: "Optionally remap UIDs/GIDs
// via the UID mapper (identity mapping by default)." Grounded on
// trustelem-go-diskfs's ext4 inode UID/GID field handling for the shape
// of the values being remapped (plain uint32 owner/group pairs), since no
// pack example ships a dedicated identity-mapping component. Stdlib only:
// a plain map guarded by a mutex has no ecosystem library
// shape worth reaching for.
package uidmap

import "sync"

// ID is an on-disk owner or group identifier.
type ID uint32

// Mapper translates (uid, gid) pairs for entries replicated to a peer
// site, defaulting to the identity mapping when no rule is configured.
type Mapper struct {
	mu      sync.RWMutex
	uidRule map[ID]ID
	gidRule map[ID]ID
}

// New creates an empty Mapper: every UID and GID maps to itself until
// SetUIDRule/SetGIDRule is called.
func New() *Mapper {
	return &Mapper{
		uidRule: make(map[ID]ID),
		gidRule: make(map[ID]ID),
	}
}

// SetUIDRule installs a remap for from -> to. Passing from == to removes
// any existing rule, restoring the identity mapping.
func (m *Mapper) SetUIDRule(from, to ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from == to {
		delete(m.uidRule, from)
		return
	}
	m.uidRule[from] = to
}

// SetGIDRule installs a remap for from -> to. Passing from == to removes
// any existing rule, restoring the identity mapping.
func (m *Mapper) SetGIDRule(from, to ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from == to {
		delete(m.gidRule, from)
		return
	}
	m.gidRule[from] = to
}

// MapUID returns uid's configured target, or uid itself if unconfigured.
func (m *Mapper) MapUID(uid ID) ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if to, ok := m.uidRule[uid]; ok {
		return to
	}
	return uid
}

// MapGID returns gid's configured target, or gid itself if unconfigured.
func (m *Mapper) MapGID(gid ID) ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if to, ok := m.gidRule[gid]; ok {
		return to
	}
	return gid
}

// Identity reports whether both maps are currently empty (pure identity
// mapping), useful for the pipeline to skip remap work entirely.
func (m *Mapper) Identity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uidRule) == 0 && len(m.gidRule) == 0
}
