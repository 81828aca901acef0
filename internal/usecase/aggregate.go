// Package usecase contains application logic: usage aggregation and
// firewall enforcement orchestration.
package usecase

import (
	"fmt"
	"sort"
	"time"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// SinceLayout is the accepted custom timestamp format for `since`.
const SinceLayout = "02:01:2006 15:04:05"

// Aggregator answers usage queries over the samples ledger.
type Aggregator struct {
	store domain.UsageStore
	now   func() time.Time
}

// NewAggregator creates an Aggregator over the usage store.
func NewAggregator(store domain.UsageStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Today aggregates usage since local midnight.
func (a *Aggregator) Today() ([]domain.AggregateUsage, error) {
	return a.Since(StartOfToday(a.now()))
}

// Week aggregates usage since the start of the current week (Monday).
func (a *Aggregator) Week() ([]domain.AggregateUsage, error) {
	return a.Since(StartOfWeek(a.now()))
}

// Month aggregates usage since the first of the current month.
func (a *Aggregator) Month() ([]domain.AggregateUsage, error) {
	return a.Since(StartOfMonth(a.now()))
}

// Since aggregates usage from the given instant, sorted by total bytes
// descending so the heaviest applications come first.
func (a *Aggregator) Since(since time.Time) ([]domain.AggregateUsage, error) {
	byApp, err := a.store.UsageSince(since)
	if err != nil {
		return nil, err
	}

	rows := make([]domain.AggregateUsage, 0, len(byApp))
	for _, u := range byApp {
		rows = append(rows, u)
	}
	sort.Slice(rows, func(i, j int) bool {
		ti := rows[i].TotalSent + rows[i].TotalRecv
		tj := rows[j].TotalSent + rows[j].TotalRecv
		if ti != tj {
			return ti > tj
		}
		return rows[i].App < rows[j].App
	})
	return rows, nil
}

// ParseSince resolves a `since` argument: one of the window anchors
// (today, week, month) or a custom timestamp in SinceLayout, interpreted
// in local time.
func ParseSince(arg string, now time.Time) (time.Time, error) {
	switch arg {
	case "today":
		return StartOfToday(now), nil
	case "week":
		return StartOfWeek(now), nil
	case "month":
		return StartOfMonth(now), nil
	}

	t, err := time.ParseInLocation(SinceLayout, arg, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (want %q, e.g. %q)",
			domain.ErrInvalidTimestamp, arg, "dd:mm:yyyy hh:mm:ss", "01:06:2026 09:30:00")
	}
	return t, nil
}

// StartOfToday returns local midnight of now's day.
func StartOfToday(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

// StartOfWeek returns local midnight of the most recent Monday.
func StartOfWeek(now time.Time) time.Time {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	return StartOfToday(now).AddDate(0, 0, -daysSinceMonday)
}

// StartOfMonth returns local midnight of the first of now's month.
func StartOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}
