package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindExecutable returns the executable path of a running process whose
// name (or path) matches the pattern, case-insensitively. Distinct
// executables matching the same pattern are an error: the caller must be
// more specific.
func (pm *ProcessManagerImpl) FindExecutable(pattern string) (string, error) {
	procs, err := process.Processes()
	if err != nil {
		return "", err
	}

	patternLower := strings.ToLower(pattern)
	seen := make(map[string]bool) // by resolved real path
	var matches []string

	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited
		}
		exe, err := p.Exe()
		if err != nil || exe == "" {
			continue
		}

		if !strings.Contains(strings.ToLower(name), patternLower) &&
			!strings.Contains(strings.ToLower(exe), patternLower) {
			continue
		}

		real, err := filepath.EvalSymlinks(exe)
		if err != nil {
			real = exe
		}
		if !seen[real] {
			seen[real] = true
			matches = append(matches, exe)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no running process matches %q", domain.ErrAppNotFound, pattern)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("multiple processes match %q: %s (be more specific or pass the full path)",
			pattern, strings.Join(matches, ", "))
	}
}

// RunningApps returns the executable path per application identity for
// all currently running processes with a resolvable executable.
func (pm *ProcessManagerImpl) RunningApps() (map[domain.AppID]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	apps := make(map[domain.AppID]string)
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		exe, err := p.Exe()
		if err != nil || exe == "" {
			continue
		}
		id := ResolveAppID(name, exe)
		if id == "" {
			continue
		}
		if _, ok := apps[id]; !ok {
			apps[id] = exe
		}
	}
	return apps, nil
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
