package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(Config{FailureThreshold: 2, RecoveryThreshold: 2})
}

func TestNewSiteStartsActiveReadWrite(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, true)
	state, ok := m.State(1)
	require.True(t, ok)
	assert.Equal(t, ActiveReadWrite, state)
}

func TestActiveDemotesToDegradedOnFailures(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false)

	state, _ := m.State(1)
	assert.Equal(t, DegradedAcceptWrites, state)

	events := m.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, SiteDemoted, events[0].Kind)
}

func TestDegradedDemotesToOfflineOnFurtherFailures(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Degraded
	m.RecordHealth(1, false) // -> Offline (the failure count is not reset on demotion)
	m.RecordHealth(1, false) // stays Offline

	state, _ := m.State(1)
	assert.Equal(t, Offline, state)
}

func TestDegradedStaysOnRecoveryThreshold(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Degraded
	m.DrainEvents()

	m.RecordHealth(1, true)
	m.RecordHealth(1, true) // recovery threshold reached, but spec says "stay"

	state, _ := m.State(1)
	assert.Equal(t, DegradedAcceptWrites, state)
	assert.Empty(t, m.DrainEvents())
}

func TestOfflineRecoversToStandbyReadOnly(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Offline (the failure count is not reset on demotion)
	m.RecordHealth(1, false) // stays Offline
	m.DrainEvents()

	m.RecordHealth(1, true)
	m.RecordHealth(1, true) // -> StandbyReadOnly

	state, _ := m.State(1)
	assert.Equal(t, StandbyReadOnly, state)
	events := m.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, SiteRecovered, events[0].Kind)
}

func TestStandbyPromotesToActiveOnRecovery(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Offline (the failure count is not reset on demotion)
	m.RecordHealth(1, false) // stays Offline
	m.RecordHealth(1, true)
	m.RecordHealth(1, true) // -> StandbyReadOnly
	m.DrainEvents()

	m.RecordHealth(1, true) // consecOK keeps climbing (3) -> ActiveReadWrite
	m.RecordHealth(1, true) // stays ActiveReadWrite

	state, _ := m.State(1)
	assert.Equal(t, ActiveReadWrite, state)
}

func TestStandbyDemotesToOfflineOnFailures(t *testing.T) {
	m := newTestManager()
	m.ForceMode(1, ActiveReadWrite) // errors, site unknown; establish via RecordHealth instead
	m.RecordHealth(1, false)
	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Offline (the failure count is not reset on demotion)
	m.RecordHealth(1, false) // stays Offline
	m.RecordHealth(1, true)
	m.RecordHealth(1, true) // -> StandbyReadOnly
	m.DrainEvents()

	m.RecordHealth(1, false)
	m.RecordHealth(1, false) // -> Offline again

	state, _ := m.State(1)
	assert.Equal(t, Offline, state)
}

func TestOppositeCounterResetsOnAlternatingOutcomes(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, true) // resets fail counter
	m.RecordHealth(1, false)

	state, _ := m.State(1)
	assert.Equal(t, ActiveReadWrite, state, "single failures interleaved with success never reach threshold")
}

func TestForceModeOverridesState(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, true)

	require.NoError(t, m.ForceMode(1, Offline))
	state, _ := m.State(1)
	assert.Equal(t, Offline, state)
}

func TestForceModeUnknownSiteErrors(t *testing.T) {
	m := newTestManager()
	err := m.ForceMode(99, Offline)
	var unknown *SiteUnknown
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint64(99), unknown.SiteID)
}

func TestWritableAndReadableSets(t *testing.T) {
	assert.True(t, ActiveReadWrite.Writable())
	assert.True(t, DegradedAcceptWrites.Writable())
	assert.False(t, StandbyReadOnly.Writable())
	assert.False(t, Offline.Writable())

	assert.True(t, ActiveReadWrite.Readable())
	assert.True(t, DegradedAcceptWrites.Readable())
	assert.True(t, StandbyReadOnly.Readable())
	assert.False(t, Offline.Readable())
}

func TestDrainEventsClearsQueue(t *testing.T) {
	m := newTestManager()
	m.RecordHealth(1, false)
	m.RecordHealth(1, false)

	require.Len(t, m.DrainEvents(), 1)
	assert.Empty(t, m.DrainEvents())
}
