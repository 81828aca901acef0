package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// fakeProcessManager lets tests decide which PIDs count as alive.
type fakeProcessManager struct {
	alive map[int]bool
	pid   int
}

func (f *fakeProcessManager) FindExecutable(name string) (string, error) { return "", nil }
func (f *fakeProcessManager) RunningApps() (map[domain.AppID]string, error) {
	return nil, nil
}
func (f *fakeProcessManager) IsRunning(pid int) bool { return f.alive[pid] }
func (f *fakeProcessManager) GetCurrentPID() int     { return f.pid }

func newTestMarker(t *testing.T, pm *fakeProcessManager) *FileMarker {
	t.Helper()
	return NewFileMarkerWithPath(filepath.Join(t.TempDir(), "daemon.json"), pm)
}

func TestMarkerAcquireAndCurrent(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{1234: true}, pid: 1234}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234}))

	info, err := m.Current()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 1234, info.PID)
	assert.NotZero(t, info.StartedAt)
	assert.NotZero(t, info.LastHeartbeat)
}

func TestMarkerAcquire_RefusesLiveDaemon(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{1234: true}}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234}))

	err := m.Acquire(domain.DaemonInfo{PID: 5678})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestMarkerAcquire_StealsStaleMarker(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{5678: true}}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234}))
	// PID 1234 died; a new daemon may take over.
	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 5678}))

	info, err := m.Current()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 5678, info.PID)
}

func TestMarkerCurrent_CleansUpStaleMarker(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{1234: true}}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234}))
	pm.alive[1234] = false

	info, err := m.Current()
	require.NoError(t, err)
	assert.Nil(t, info)

	_, statErr := os.Stat(m.Path())
	assert.True(t, os.IsNotExist(statErr), "stale marker file removed")
}

func TestMarkerCurrent_CorruptFileTreatedAsAbsent(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{}}
	m := newTestMarker(t, pm)

	require.NoError(t, os.WriteFile(m.Path(), []byte("not json"), 0600))

	info, err := m.Current()
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMarkerHeartbeat(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{1234: true}}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234, StartedAt: 100}))
	require.NoError(t, m.Heartbeat())

	info, err := m.Current()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(100), info.StartedAt)
	assert.GreaterOrEqual(t, info.LastHeartbeat, int64(100))
}

func TestMarkerHeartbeat_NoMarker(t *testing.T) {
	m := newTestMarker(t, &fakeProcessManager{alive: map[int]bool{}})
	assert.ErrorIs(t, m.Heartbeat(), domain.ErrDaemonNotRunning)
}

func TestMarkerRelease_Idempotent(t *testing.T) {
	pm := &fakeProcessManager{alive: map[int]bool{1234: true}}
	m := newTestMarker(t, pm)

	require.NoError(t, m.Acquire(domain.DaemonInfo{PID: 1234}))
	require.NoError(t, m.Release())
	assert.NoError(t, m.Release())
}
