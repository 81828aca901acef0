// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// AppID is a stable application identity: the same executable always
// resolves to the same AppID across process restarts. Process IDs are
// never used as a persisted key.
type AppID string

// Counters hold cumulative byte counts as reported by the OS.
type Counters struct {
	Sent uint64
	Recv uint64
}

// Snapshot maps every currently observed application to its cumulative
// counters at one sampling instant.
type Snapshot map[AppID]Counters

// Sample is one recorded interval's byte deltas for one application.
// Immutable once written; deltas are always >= 0.
type Sample struct {
	App       AppID
	Timestamp time.Time
	SentDelta uint64
	RecvDelta uint64
}

// AggregateUsage is a derived view: Samples summed over a time window.
// Never persisted, computed on demand.
type AggregateUsage struct {
	App         AppID
	WindowStart time.Time
	WindowEnd   time.Time
	TotalSent   uint64
	TotalRecv   uint64
}

// PolicyState is the intended firewall state for an application.
type PolicyState string

const (
	StateAllowed PolicyState = "allowed"
	StateBlocked PolicyState = "blocked"
)

// PolicyEntry is the durable intended allow/block record for one application.
// Absence of an entry means the store's default state applies.
type PolicyEntry struct {
	App         AppID
	Path        string // executable path used by enforcement strategies
	State       PolicyState
	LastChanged time.Time
}

// BatchItem is the outcome of one application inside a bulk toggle.
type BatchItem struct {
	App      AppID
	Strategy string // strategy that succeeded, empty when nothing was applied
	Err      error  // nil on success
}

// BatchResult carries per-application outcomes of a bulk block/allow so
// callers can retry exactly the failures.
type BatchResult struct {
	Applied []BatchItem
	Failed  []BatchItem
}

// OK reports whether every item in the batch was applied.
func (r *BatchResult) OK() bool { return len(r.Failed) == 0 }

// DaemonState is the sampling daemon lifecycle state.
type DaemonState string

const (
	DaemonStopped  DaemonState = "stopped"
	DaemonStarting DaemonState = "starting"
	DaemonRunning  DaemonState = "running"
	DaemonStopping DaemonState = "stopping"
	DaemonCrashed  DaemonState = "crashed"
)

// DaemonInfo is the liveness marker content persisted while the daemon runs.
type DaemonInfo struct {
	PID           int   `json:"pid"`
	StartedAt     int64 `json:"started_at"`
	LastHeartbeat int64 `json:"last_heartbeat"`
}
