package infra

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// SystemAppID absorbs traffic that cannot be attributed to any
// connection-owning application, so interval totals still add up.
const SystemAppID domain.AppID = "System"

// systemStats is one raw OS reading: system-wide cumulative byte
// counters plus open inet connections per application.
type systemStats struct {
	total domain.Counters
	conns map[domain.AppID]int
}

// statsReader supplies raw OS readings. Injected so tests can script
// counter sequences without touching the kernel.
type statsReader func() (systemStats, error)

// GopsutilSampler implements domain.TrafficSampler. Per-process byte
// counters are not an OS primitive, so each interval's system-wide
// counter delta is attributed proportionally across applications by
// their share of open connections, accumulated into per-app cumulative
// counters.
type GopsutilSampler struct {
	read statsReader

	mu         sync.Mutex
	primed     bool
	prevTotal  domain.Counters
	cumulative domain.Snapshot
}

// NewSampler creates the OS-backed traffic sampler.
func NewSampler() *GopsutilSampler {
	return &GopsutilSampler{
		read:       readSystemStats,
		cumulative: make(domain.Snapshot),
	}
}

// Seed pre-loads the per-app cumulative counters so a restarted daemon
// accrues on top of the persisted baseline instead of restarting at
// zero (which would clamp every delta until the counters caught up).
func (s *GopsutilSampler) Seed(snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for app, c := range snap {
		s.cumulative[app] = c
	}
}

// Sample returns cumulative attributed bytes per application. The first
// call only records the system counter baseline and registers the apps
// currently holding connections; attribution starts with the second
// call. Read-only with respect to the OS.
func (s *GopsutilSampler) Sample() (domain.Snapshot, error) {
	stats, err := s.read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primed {
		var sent, recv uint64
		if stats.total.Sent >= s.prevTotal.Sent {
			sent = stats.total.Sent - s.prevTotal.Sent
		}
		if stats.total.Recv >= s.prevTotal.Recv {
			recv = stats.total.Recv - s.prevTotal.Recv
		}
		s.attribute(sent, recv, stats.conns)
	}
	s.prevTotal = stats.total
	s.primed = true

	// Zero-counter entries register apps holding connections but not
	// yet credited, so their next interval is not a first sighting.
	for app := range stats.conns {
		if _, ok := s.cumulative[app]; !ok {
			s.cumulative[app] = domain.Counters{}
		}
	}

	snap := make(domain.Snapshot, len(s.cumulative))
	for app, c := range s.cumulative {
		snap[app] = c
	}
	return snap, nil
}

// attribute splits one interval's system-wide delta by connection
// share. With no attributable connections the interval is credited to
// the System bucket.
func (s *GopsutilSampler) attribute(sent, recv uint64, conns map[domain.AppID]int) {
	total := 0
	for _, n := range conns {
		total += n
	}
	if total == 0 {
		if sent == 0 && recv == 0 {
			return
		}
		c := s.cumulative[SystemAppID]
		c.Sent += sent
		c.Recv += recv
		s.cumulative[SystemAppID] = c
		return
	}

	for app, n := range conns {
		if n == 0 {
			continue
		}
		c := s.cumulative[app]
		c.Sent += sent * uint64(n) / uint64(total)
		c.Recv += recv * uint64(n) / uint64(total)
		s.cumulative[app] = c
	}
}

// readSystemStats is the OS-backed reader. Connection-to-process
// attribution requires elevated access on the target platforms, so a
// non-root invocation is refused up front rather than silently lumping
// everything into the System bucket.
func readSystemStats() (systemStats, error) {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return systemStats{}, fmt.Errorf("%w: attributing network counters to processes needs root (try sudo)", domain.ErrPermission)
	}

	io, err := gopsnet.IOCounters(false)
	if err != nil {
		return systemStats{}, fmt.Errorf("read network counters: %w", err)
	}
	if len(io) == 0 {
		return systemStats{}, fmt.Errorf("read network counters: no interfaces reported")
	}

	conns, err := gopsnet.Connections("inet")
	if err != nil {
		return systemStats{}, fmt.Errorf("enumerate connections: %w", err)
	}

	connsByPID := make(map[int32]int)
	for _, conn := range conns {
		if conn.Pid > 0 {
			connsByPID[conn.Pid]++
		}
	}

	procs, err := process.Processes()
	if err != nil {
		return systemStats{}, fmt.Errorf("enumerate processes: %w", err)
	}

	byApp := make(map[domain.AppID]int)
	for _, p := range procs {
		n, ok := connsByPID[p.Pid]
		if !ok {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue // process exited mid-enumeration
		}
		exe, _ := p.Exe()
		id := ResolveAppID(name, exe)
		if id == "" {
			continue
		}
		byApp[id] += n
	}

	return systemStats{
		total: domain.Counters{Sent: io[0].BytesSent, Recv: io[0].BytesRecv},
		conns: byApp,
	}, nil
}

// Ensure GopsutilSampler implements domain.TrafficSampler.
var _ domain.TrafficSampler = (*GopsutilSampler)(nil)
