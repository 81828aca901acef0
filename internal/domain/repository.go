package domain

import (
	"context"
	"time"
)

// TrafficSampler reads current cumulative network byte counters per
// running application. Counters for processes sharing an AppID are summed.
// Read-only; returns ErrPermission without elevated privileges.
type TrafficSampler interface {
	Sample() (Snapshot, error)
}

// UsageStore is the append-only samples ledger plus the cumulative
// counter baseline used to seed delta computation across daemon restarts.
type UsageStore interface {
	// AppendTick persists one tick's samples and the new cumulative
	// baseline in a single durable transaction. Samples are never
	// updated or deleted afterwards.
	AppendTick(samples []Sample, baseline Snapshot) error

	// QueryRange returns samples with timestamp in [start, end) in
	// ascending timestamp order. An empty app selects all applications.
	QueryRange(app AppID, start, end time.Time) ([]Sample, error)

	// UsageSince sums deltas of all samples with timestamp >= since
	// (boundary inclusive), grouped by application. Applications with a
	// zero total in range are excluded.
	UsageSince(since time.Time) (map[AppID]AggregateUsage, error)

	// Baseline returns the last persisted cumulative snapshot.
	Baseline() (Snapshot, error)

	Close() error
}

// PolicyStore is the durable record of intended firewall state.
// All mutations are durable before returning.
type PolicyStore interface {
	// Set upserts the entry for one application.
	Set(entry PolicyEntry) error

	// SetAll sets every known entry (plus the given extras, for apps
	// seen running but never toggled) to state, and flips the default
	// applied to applications first seen afterwards. Atomic: readers
	// never observe a partially-applied bulk toggle.
	SetAll(state PolicyState, extra []PolicyEntry) error

	// Get returns the state for app, or the store default when absent.
	Get(app AppID) (PolicyState, error)

	// GetEntry returns the stored entry, or nil when absent.
	GetEntry(app AppID) (*PolicyEntry, error)

	// List returns all entries currently in the given state.
	List(state PolicyState) ([]PolicyEntry, error)

	// Entries returns every stored entry.
	Entries() ([]PolicyEntry, error)

	// DefaultState is the state applied to applications with no entry.
	DefaultState() (PolicyState, error)

	Close() error
}

// EnforcementStrategy is one platform mechanism for blocking or allowing
// an application's network access. Strategies are probed for availability
// at runtime rather than selected by hardcoded OS checks.
type EnforcementStrategy interface {
	Name() string

	// Available reports whether this mechanism can be used on this host.
	Available() bool

	// Block installs firewall rules denying network access for entry.
	Block(ctx context.Context, entry PolicyEntry) error

	// Allow removes this strategy's rules for entry. Removing rules
	// that do not exist is not an error.
	Allow(ctx context.Context, entry PolicyEntry) error

	// Verify reports whether the OS firewall currently blocks entry.
	Verify(ctx context.Context, entry PolicyEntry) (bool, error)
}

// Enforcer translates policy into OS firewall state via an ordered list
// of strategies with fallback.
type Enforcer interface {
	// Apply drives the firewall to entry.State. Idempotent: re-applying
	// an already-enforced state issues no platform calls. Fails with
	// *EnforcementError only when every strategy failed.
	Apply(ctx context.Context, entry PolicyEntry) error

	// ApplyAll applies a batch, reporting per-item outcomes instead of
	// failing as a whole.
	ApplyAll(ctx context.Context, entries []PolicyEntry) *BatchResult

	// Reconcile compares enforcement records against every policy entry
	// and re-applies where the OS firewall has drifted.
	Reconcile(ctx context.Context) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindExecutable returns the executable path of a running process
	// matching name. Fails when no process matches or the match is
	// ambiguous across distinct executables.
	FindExecutable(name string) (string, error)

	// RunningApps returns the executable path per application identity
	// for all currently running processes.
	RunningApps() (map[AppID]string, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// LivenessMarker guarantees at-most-one daemon instance per host.
// Implementation: flock-guarded JSON file with stale-PID detection.
type LivenessMarker interface {
	// Acquire records this process as the running daemon. Fails with
	// ErrAlreadyRunning when a live daemon holds the marker; a marker
	// left by a dead process is treated as absent.
	Acquire(info DaemonInfo) error

	// Heartbeat refreshes the marker's liveness timestamp.
	Heartbeat() error

	// Release removes the marker.
	Release() error

	// Current returns the marker of a live daemon, or nil when no
	// daemon is running. Stale markers are cleaned up on read.
	Current() (*DaemonInfo, error)

	// Path returns the marker file path (for status output and tests).
	Path() string
}

// KeyProvider supplies the encryption key for the policy store.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}

// ServiceManager registers the daemon with the OS service manager so it
// starts on boot. Consumed only by install/uninstall.
type ServiceManager interface {
	Install(execPath string) error
	Uninstall() error
	IsInstalled() bool
	UnitPath() string
}
