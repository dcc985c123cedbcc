// Package keymgr implements the key envelope and rotation contract of
// spec.md §4.3: DEK generation, AEAD wrapping under a versioned KEK,
// monotonic rotation with bounded history, and rewrapping. Grounded on
// spec.md §4.3 directly, reusing internal/reduction's AEAD primitives, and
// on the teacher's mutex-guarded-map discipline (Metrics) for the key
// version history.
package keymgr

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/dirkpetersen/claudefs/internal/constants"
	"github.com/dirkpetersen/claudefs/internal/reduction"
)

// DEKSize is the length in bytes of a raw data encryption key.
const DEKSize = 32

// DEK is a raw, unwrapped data encryption key. Its String/GoString
// implementations never reveal key material.
type DEK [DEKSize]byte

func (DEK) String() string   { return "[REDACTED]" }
func (DEK) GoString() string { return "[REDACTED]" }

// VersionedKey is one generation of the key-encryption key. Its
// String/GoString implementations never reveal key material.
type VersionedKey struct {
	Version uint64
	key     [32]byte
}

func (v VersionedKey) String() string   { return "[REDACTED]" }
func (v VersionedKey) GoString() string { return "[REDACTED]" }

// WrappedKey is a DEK sealed under a specific VersionedKey. Its ciphertext
// strictly exceeds DEKSize because the AEAD tag is appended, per spec.md
// §4.3.
type WrappedKey struct {
	Version uint64
	Sealed  *reduction.EncryptedChunk
}

// Len reports the wrapped key's serialized length, always > DEKSize.
func (w WrappedKey) Len() int { return len(w.Sealed.Ciphertext) }

func (WrappedKey) String() string   { return "[REDACTED]" }
func (WrappedKey) GoString() string { return "[REDACTED]" }

var (
	// ErrUnwrapAuthFailed is returned by Unwrap in place of
	// reduction.ErrDecryptionAuthFailed (it does not wrap it), using the
	// key-manager-specific vocabulary spec.md §4.3 names.
	ErrUnwrapAuthFailed = errors.New("keymgr: unwrap authentication failed")

	// ErrRewrapNotNeeded is returned by Rewrap when wrapped is already
	// sealed under the current version.
	ErrRewrapNotNeeded = errors.New("keymgr: key is already wrapped under the current version")
)

// MissingKeyVersion is returned by Rewrap/Unwrap when the version a
// WrappedKey references has aged out of history.
type MissingKeyVersion struct {
	Version uint64
}

func (e *MissingKeyVersion) Error() string {
	return fmt.Sprintf("keymgr: key version %d is no longer retained", e.Version)
}

// Manager holds the KEK version history and performs wrap/unwrap/rotate.
type Manager struct {
	mu             sync.RWMutex
	current        uint64
	history        map[uint64]VersionedKey
	order          []uint64 // ascending version order, oldest first
	maxKeyHistory  int
	algorithm      reduction.Algorithm
}

// New creates a Manager seeded with an initial KEK version 1.
func New(maxKeyHistory int, algorithm reduction.Algorithm) (*Manager, error) {
	if maxKeyHistory <= 0 {
		maxKeyHistory = constants.DefaultMaxKeyHistory
	}
	m := &Manager{
		history:       make(map[uint64]VersionedKey),
		maxKeyHistory: maxKeyHistory,
		algorithm:     algorithm,
	}
	if err := m.installNewVersion(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) installNewVersion() error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}
	m.current++
	vk := VersionedKey{Version: m.current, key: key}
	m.history[vk.Version] = vk
	m.order = append(m.order, vk.Version)
	return nil
}

// CurrentVersion returns the version number currently used for new wraps.
func (m *Manager) CurrentVersion() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// GenerateDEK returns a fresh random DEK.
func GenerateDEK() (DEK, error) {
	var d DEK
	if _, err := rand.Read(d[:]); err != nil {
		return DEK{}, err
	}
	return d, nil
}

// Wrap seals dek under the current VersionedKey.
func (m *Manager) Wrap(dek DEK) (WrappedKey, error) {
	m.mu.RLock()
	vk := m.history[m.current]
	current := m.current
	m.mu.RUnlock()

	enc, err := reduction.Seal(m.algorithm, vk.key[:], dek[:])
	if err != nil {
		return WrappedKey{}, err
	}
	return WrappedKey{Version: current, Sealed: enc}, nil
}

// Unwrap recovers the DEK sealed inside wrapped.
func (m *Manager) Unwrap(wrapped WrappedKey) (DEK, error) {
	m.mu.RLock()
	vk, ok := m.history[wrapped.Version]
	m.mu.RUnlock()
	if !ok {
		return DEK{}, &MissingKeyVersion{Version: wrapped.Version}
	}

	plaintext, err := reduction.Open(vk.key[:], wrapped.Sealed)
	if err != nil {
		return DEK{}, ErrUnwrapAuthFailed
	}
	var dek DEK
	copy(dek[:], plaintext)
	return dek, nil
}

// Rewrap unwraps wrapped under its stored version and re-wraps it under the
// current version. Fails with ErrRewrapNotNeeded if wrapped is already
// current, or *MissingKeyVersion if its source version has been pruned.
func (m *Manager) Rewrap(wrapped WrappedKey) (WrappedKey, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	if wrapped.Version == current {
		return WrappedKey{}, ErrRewrapNotNeeded
	}

	dek, err := m.Unwrap(wrapped)
	if err != nil {
		return WrappedKey{}, err
	}
	return m.Wrap(dek)
}

// RotateKey increments the KEK version monotonically, installs it as
// current, and prunes the oldest retained prior version once the number of
// versions older than current exceeds max_key_history. The current version
// is never counted against max_key_history, so history retains up to
// max_key_history+1 versions in total (current plus max_key_history prior).
// Any WrappedKey still referencing a pruned version will subsequently fail
// Unwrap/Rewrap with *MissingKeyVersion — the caller's cue to rewrap ahead
// of the next rotation.
func (m *Manager) RotateKey() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.installNewVersion(); err != nil {
		return 0, err
	}

	for len(m.order)-1 > m.maxKeyHistory {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.history, oldest)
	}

	return m.current, nil
}

// RetainedVersions returns the versions currently retained in history,
// oldest first.
func (m *Manager) RetainedVersions() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.order))
	copy(out, m.order)
	return out
}
