package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

const markerFileName = "daemon.json"

// FileMarker implements domain.LivenessMarker using a JSON file guarded
// by a flock. At-most-one daemon holds the marker; a marker whose PID no
// longer exists is stale and treated as absent.
type FileMarker struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileMarker creates the liveness marker for the given data directory.
func NewFileMarker(dataDir string, pm domain.ProcessManager) *FileMarker {
	return &FileMarker{
		path:           filepath.Join(dataDir, markerFileName),
		processManager: pm,
	}
}

// NewFileMarkerWithPath creates a marker at a specific path (for testing).
func NewFileMarkerWithPath(path string, pm domain.ProcessManager) *FileMarker {
	return &FileMarker{path: path, processManager: pm}
}

// Path returns the marker file path.
func (m *FileMarker) Path() string {
	return m.path
}

// Acquire records this process as the running daemon.
func (m *FileMarker) Acquire(info domain.DaemonInfo) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := m.read()
	if err != nil {
		return err
	}
	if current != nil && m.processManager.IsRunning(current.PID) {
		return fmt.Errorf("%w (pid %d)", domain.ErrAlreadyRunning, current.PID)
	}

	if info.StartedAt == 0 {
		info.StartedAt = time.Now().Unix()
	}
	info.LastHeartbeat = time.Now().Unix()
	return m.atomicWrite(&info)
}

// Heartbeat refreshes the marker's liveness timestamp.
func (m *FileMarker) Heartbeat() error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := m.read()
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrDaemonNotRunning
	}

	current.LastHeartbeat = time.Now().Unix()
	return m.atomicWrite(current)
}

// Release removes the marker.
func (m *FileMarker) Release() error {
	err := os.Remove(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Current returns the marker of a live daemon, or nil when none runs.
// A stale marker (recorded PID no longer exists) is removed on read so
// `status` stays accurate after a crash.
func (m *FileMarker) Current() (*domain.DaemonInfo, error) {
	info, err := m.read()
	if err != nil || info == nil {
		return nil, err
	}
	if !m.processManager.IsRunning(info.PID) {
		_ = os.Remove(m.path)
		return nil, nil
	}
	return info, nil
}

func (m *FileMarker) read() (*domain.DaemonInfo, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var info domain.DaemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Corrupt marker is as good as no marker.
		_ = os.Remove(m.path)
		return nil, nil
	}
	return &info, nil
}

// lock acquires an exclusive flock guarding marker writes against a
// concurrent start racing a heartbeat.
func (m *FileMarker) lock() (func(), error) {
	lockPath := m.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// atomicWrite writes the marker atomically (write temp + rename).
func (m *FileMarker) atomicWrite(info *domain.DaemonInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", m.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileMarker implements domain.LivenessMarker.
var _ domain.LivenessMarker = (*FileMarker)(nil)
