package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

func TestBuildRows_RatesAndOrdering(t *testing.T) {
	prev := domain.Snapshot{
		"light": {Sent: 0, Recv: 0},
		"heavy": {Sent: 0, Recv: 0},
	}
	cur := domain.Snapshot{
		"light": {Sent: 2048, Recv: 0},
		"heavy": {Sent: 0, Recv: 2 << 20},
	}

	rows := BuildRows(prev, cur, 2*time.Second)
	// Header + 2 apps + total.
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"APP", "UP", "DOWN"}, rows[0])
	assert.Equal(t, "heavy", rows[1][0])
	assert.Equal(t, "1.0 MiB/s", rows[1][2])
	assert.Equal(t, "light", rows[2][0])
	assert.Equal(t, "1.0 KiB/s", rows[2][1])
	assert.Contains(t, rows[3][0], "TOTAL")
}

func TestBuildRows_IdleAppsDropped(t *testing.T) {
	snap := domain.Snapshot{"idle": {Sent: 100, Recv: 100}}
	rows := BuildRows(snap, snap, time.Second)
	require.Len(t, rows, 2, "header and total only")
	assert.Contains(t, rows[1][0], "0 active")
}

func TestBuildRows_FirstSightingSkipped(t *testing.T) {
	rows := BuildRows(domain.Snapshot{}, domain.Snapshot{"new": {Sent: 999}}, time.Second)
	require.Len(t, rows, 2)
}

func TestBuildRows_CounterResetClamps(t *testing.T) {
	prev := domain.Snapshot{"a": {Sent: 5000, Recv: 0}}
	cur := domain.Snapshot{"a": {Sent: 100, Recv: 1024}}

	rows := BuildRows(prev, cur, time.Second)
	require.Len(t, rows, 3)
	assert.Equal(t, "0 B/s", rows[1][1])
	assert.Equal(t, "1.0 KiB/s", rows[1][2])
}
