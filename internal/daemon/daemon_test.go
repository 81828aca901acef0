package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

func TestComputeDeltas_Basic(t *testing.T) {
	ts := time.Date(2026, 8, 29, 12, 1, 0, 0, time.UTC)
	prev := domain.Snapshot{
		"firefox": {Sent: 1000, Recv: 5000},
		"slack":   {Sent: 200, Recv: 300},
	}
	cur := domain.Snapshot{
		"firefox": {Sent: 1500, Recv: 5700},
		"slack":   {Sent: 200, Recv: 350},
	}

	samples := ComputeDeltas(prev, cur, ts)
	require.Len(t, samples, 2)

	assert.Equal(t, domain.Sample{App: "firefox", Timestamp: ts, SentDelta: 500, RecvDelta: 700}, samples[0])
	assert.Equal(t, domain.Sample{App: "slack", Timestamp: ts, SentDelta: 0, RecvDelta: 50}, samples[1])
}

func TestComputeDeltas_FirstSightingSkipped(t *testing.T) {
	samples := ComputeDeltas(
		domain.Snapshot{},
		domain.Snapshot{"new": {Sent: 999, Recv: 999}},
		time.Now(),
	)
	assert.Empty(t, samples, "no previous counters means no interval to attribute")
}

func TestComputeDeltas_CounterResetClampsToZero(t *testing.T) {
	ts := time.Now()
	prev := domain.Snapshot{"firefox": {Sent: 5000, Recv: 9000}}
	cur := domain.Snapshot{"firefox": {Sent: 100, Recv: 9500}}

	samples := ComputeDeltas(prev, cur, ts)
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(0), samples[0].SentDelta, "reset counter clamps instead of underflowing")
	assert.Equal(t, uint64(500), samples[0].RecvDelta)
}

func TestComputeDeltas_AllZeroDropped(t *testing.T) {
	snap := domain.Snapshot{"idle": {Sent: 100, Recv: 100}}
	samples := ComputeDeltas(snap, snap, time.Now())
	assert.Empty(t, samples)
}

func TestComputeDeltas_DisappearedAppProducesNothing(t *testing.T) {
	prev := domain.Snapshot{"gone": {Sent: 100, Recv: 100}}
	cur := domain.Snapshot{}
	assert.Empty(t, ComputeDeltas(prev, cur, time.Now()))
}

func TestComputeDeltas_SortedByApp(t *testing.T) {
	ts := time.Now()
	prev := domain.Snapshot{
		"zeta":  {Sent: 0, Recv: 0},
		"alpha": {Sent: 0, Recv: 0},
		"mid":   {Sent: 0, Recv: 0},
	}
	cur := domain.Snapshot{
		"zeta":  {Sent: 1, Recv: 0},
		"alpha": {Sent: 1, Recv: 0},
		"mid":   {Sent: 1, Recv: 0},
	}

	samples := ComputeDeltas(prev, cur, ts)
	require.Len(t, samples, 3)
	assert.Equal(t, domain.AppID("alpha"), samples[0].App)
	assert.Equal(t, domain.AppID("mid"), samples[1].App)
	assert.Equal(t, domain.AppID("zeta"), samples[2].App)
}

// Two-tick scenario: cumulative counters at t=0 and t=60 attribute
// exactly the interval's traffic.
func TestComputeDeltas_SuccessiveTicks(t *testing.T) {
	t0 := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	boot := domain.Snapshot{"firefox": {Sent: 1 << 30, Recv: 2 << 30}}
	tick1 := domain.Snapshot{"firefox": {Sent: 1<<30 + 1024, Recv: 2<<30 + 4096}}
	tick2 := domain.Snapshot{"firefox": {Sent: 1<<30 + 1024, Recv: 2<<30 + 8192}}

	s1 := ComputeDeltas(boot, tick1, t0)
	require.Len(t, s1, 1)
	assert.Equal(t, uint64(1024), s1[0].SentDelta)
	assert.Equal(t, uint64(4096), s1[0].RecvDelta)

	s2 := ComputeDeltas(tick1, tick2, t1)
	require.Len(t, s2, 1)
	assert.Equal(t, uint64(0), s2[0].SentDelta)
	assert.Equal(t, uint64(4096), s2[0].RecvDelta)
}
