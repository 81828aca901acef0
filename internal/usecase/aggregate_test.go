package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// fakeUsageStore serves canned aggregates and records the since bound.
type fakeUsageStore struct {
	usage     map[domain.AppID]domain.AggregateUsage
	lastSince time.Time
}

func (f *fakeUsageStore) AppendTick([]domain.Sample, domain.Snapshot) error { return nil }
func (f *fakeUsageStore) QueryRange(domain.AppID, time.Time, time.Time) ([]domain.Sample, error) {
	return nil, nil
}
func (f *fakeUsageStore) UsageSince(since time.Time) (map[domain.AppID]domain.AggregateUsage, error) {
	f.lastSince = since
	return f.usage, nil
}
func (f *fakeUsageStore) Baseline() (domain.Snapshot, error) { return nil, nil }
func (f *fakeUsageStore) Close() error                       { return nil }

func TestAggregatorSince_SortsHeaviestFirst(t *testing.T) {
	store := &fakeUsageStore{usage: map[domain.AppID]domain.AggregateUsage{
		"light": {App: "light", TotalSent: 10, TotalRecv: 10},
		"heavy": {App: "heavy", TotalSent: 5000, TotalRecv: 5000},
		"mid":   {App: "mid", TotalSent: 100, TotalRecv: 100},
	}}

	rows, err := NewAggregator(store).Since(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.AppID("heavy"), rows[0].App)
	assert.Equal(t, domain.AppID("mid"), rows[1].App)
	assert.Equal(t, domain.AppID("light"), rows[2].App)
}

func TestAggregatorSince_TiesBreakByName(t *testing.T) {
	store := &fakeUsageStore{usage: map[domain.AppID]domain.AggregateUsage{
		"b": {App: "b", TotalSent: 10},
		"a": {App: "a", TotalSent: 10},
	}}

	rows, err := NewAggregator(store).Since(time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.AppID("a"), rows[0].App)
}

func TestAggregatorWindows_UseAnchors(t *testing.T) {
	store := &fakeUsageStore{}
	agg := NewAggregator(store)
	agg.now = func() time.Time {
		// Friday 2026-08-28 15:30 local.
		return time.Date(2026, 8, 28, 15, 30, 0, 0, time.Local)
	}

	_, err := agg.Today()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 28, 0, 0, 0, 0, time.Local), store.lastSince)

	_, err = agg.Week()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.Local), store.lastSince, "Monday midnight")

	_, err = agg.Month()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.Local), store.lastSince)
}

func TestStartOfWeek_MondayAndSunday(t *testing.T) {
	monday := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.Local), StartOfWeek(monday),
		"Monday anchors to its own midnight")

	sunday := time.Date(2026, 8, 30, 10, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.Local), StartOfWeek(sunday),
		"Sunday belongs to the week started the previous Monday")
}

func TestParseSince_Anchors(t *testing.T) {
	now := time.Date(2026, 8, 28, 15, 30, 0, 0, time.Local)

	got, err := ParseSince("today", now)
	require.NoError(t, err)
	assert.Equal(t, StartOfToday(now), got)

	got, err = ParseSince("week", now)
	require.NoError(t, err)
	assert.Equal(t, StartOfWeek(now), got)

	got, err = ParseSince("month", now)
	require.NoError(t, err)
	assert.Equal(t, StartOfMonth(now), got)
}

func TestParseSince_CustomTimestamp(t *testing.T) {
	now := time.Now()

	got, err := ParseSince("01:06:2026 09:30:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 9, 30, 0, 0, now.Location()), got)
}

func TestParseSince_Invalid(t *testing.T) {
	now := time.Now()

	for _, arg := range []string{
		"31:13:2026 99:99:99",
		"2026-06-01 09:30:00",
		"yesterday",
		"",
	} {
		_, err := ParseSince(arg, now)
		assert.ErrorIs(t, err, domain.ErrInvalidTimestamp, "arg %q", arg)
	}
}
