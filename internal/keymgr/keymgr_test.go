package keymgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkpetersen/claudefs/internal/reduction"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	m, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)

	wrapped, err := m.Wrap(dek)
	require.NoError(t, err)
	assert.Greater(t, wrapped.Len(), DEKSize)

	got, err := m.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestRotateKeyMonotonic(t *testing.T) {
	m, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	v0 := m.CurrentVersion()
	v1, err := m.RotateKey()
	require.NoError(t, err)
	assert.Greater(t, v1, v0)

	v2, err := m.RotateKey()
	require.NoError(t, err)
	assert.Greater(t, v2, v1)
}

func TestRewrapMovesToCurrentVersion(t *testing.T) {
	m, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := m.Wrap(dek)
	require.NoError(t, err)

	_, err = m.RotateKey()
	require.NoError(t, err)

	rewrapped, err := m.Rewrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, m.CurrentVersion(), rewrapped.Version)

	got, err := m.Unwrap(rewrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestRewrapNotNeededWhenAlreadyCurrent(t *testing.T) {
	m, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := m.Wrap(dek)
	require.NoError(t, err)

	_, err = m.Rewrap(wrapped)
	assert.ErrorIs(t, err, ErrRewrapNotNeeded)
}

func TestRotationRetainsOriginalUntilMaxKeyHistoryRotationsPassed(t *testing.T) {
	m, err := New(2, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := m.Wrap(dek)
	require.NoError(t, err)

	// maxKeyHistory=2 counts only versions prior to current, so the
	// original version survives exactly maxKeyHistory rotations...
	_, err = m.RotateKey()
	require.NoError(t, err)
	_, err = m.RotateKey()
	require.NoError(t, err)

	assert.Len(t, m.RetainedVersions(), 3)
	_, err = m.Unwrap(wrapped)
	require.NoError(t, err)

	// ...and is pruned only once a maxKeyHistory+1'th rotation pushes it
	// out, leaving current plus maxKeyHistory prior versions retained.
	_, err = m.RotateKey()
	require.NoError(t, err)

	assert.Len(t, m.RetainedVersions(), 3)

	_, err = m.Unwrap(wrapped)
	var missing *MissingKeyVersion
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, wrapped.Version, missing.Version)
}

func TestUnwrapAuthFailureOpaque(t *testing.T) {
	mA, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)
	mB, err := New(4, reduction.AlgorithmAES256GCM)
	require.NoError(t, err)

	dek, err := GenerateDEK()
	require.NoError(t, err)
	wrapped, err := mA.Wrap(dek)
	require.NoError(t, err)

	// mB has its own version 1 key material, distinct from mA's.
	_, err = mB.Unwrap(wrapped)
	assert.ErrorIs(t, err, ErrUnwrapAuthFailed)
}

func TestKeyMaterialRedactedInDebugOutput(t *testing.T) {
	dek, err := GenerateDEK()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", dek.String())

	vk := VersionedKey{Version: 1}
	assert.Equal(t, "[REDACTED]", vk.String())
	assert.Equal(t, "[REDACTED]", vk.GoString())

	wk := WrappedKey{Version: 1, Sealed: &reduction.EncryptedChunk{}}
	assert.Equal(t, "[REDACTED]", wk.String())
}
