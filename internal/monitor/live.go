// Package monitor renders the live per-application traffic view in the
// terminal.
package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// DefaultInterval is the live view refresh period.
const DefaultInterval = 2 * time.Second

// Live samples counters on an interval and renders per-application
// rates in a full-screen table until the user quits (q or Ctrl-C).
type Live struct {
	sampler  domain.TrafficSampler
	interval time.Duration
	prev     domain.Snapshot
}

// NewLive creates the live monitor. A non-positive interval uses
// DefaultInterval.
func NewLive(sampler domain.TrafficSampler, interval time.Duration) *Live {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Live{sampler: sampler, interval: interval}
}

// Run blocks rendering the live view until the user quits. The first
// interval shows zero rates: rates are deltas and need two snapshots.
func (l *Live) Run() error {
	first, err := l.sampler.Sample()
	if err != nil {
		return err
	}
	l.prev = first

	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal ui: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = fmt.Sprintf(" AirTraffic live (every %s, q to quit) ", l.interval)
	table.Rows = [][]string{{"APP", "UP", "DOWN"}}
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = false
	table.BorderStyle.Fg = ui.ColorGreen

	grid := ui.NewGrid()
	termWidth, termHeight := ui.TerminalDimensions()
	grid.SetRect(0, 0, termWidth, termHeight)
	grid.Set(ui.NewRow(1.0, ui.NewCol(1.0, table)))
	ui.Render(grid)

	uiEvents := ui.PollEvents()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-uiEvents:
			if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
				return nil
			}
			if e.Type == ui.ResizeEvent {
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				ui.Render(grid)
			}

		case <-ticker.C:
			cur, err := l.sampler.Sample()
			if err != nil {
				// Keep the last frame; next tick may recover.
				continue
			}
			table.Rows = BuildRows(l.prev, cur, l.interval)
			l.prev = cur
			ui.Render(grid)
		}
	}
}

type liveRow struct {
	app  domain.AppID
	up   uint64
	down uint64
}

// BuildRows diffs two snapshots into table rows of per-second rates,
// heaviest first. Applications idle over the interval are dropped.
func BuildRows(prev, cur domain.Snapshot, interval time.Duration) [][]string {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}

	var active []liveRow
	var totalUp, totalDown uint64
	for app, c := range cur {
		p, ok := prev[app]
		if !ok {
			continue
		}
		var up, down uint64
		if c.Sent >= p.Sent {
			up = c.Sent - p.Sent
		}
		if c.Recv >= p.Recv {
			down = c.Recv - p.Recv
		}
		if up == 0 && down == 0 {
			continue
		}
		active = append(active, liveRow{app: app, up: up, down: down})
		totalUp += up
		totalDown += down
	}

	sort.SliceStable(active, func(i, j int) bool {
		ti, tj := active[i].up+active[i].down, active[j].up+active[j].down
		if ti != tj {
			return ti > tj
		}
		return active[i].app < active[j].app
	})

	rows := [][]string{{"APP", "UP", "DOWN"}}
	for _, r := range active {
		rows = append(rows, []string{
			string(r.app),
			rate(r.up, secs),
			rate(r.down, secs),
		})
	}
	rows = append(rows, []string{
		fmt.Sprintf("TOTAL (%d active)", len(active)),
		rate(totalUp, secs),
		rate(totalDown, secs),
	})
	return rows
}

func rate(delta uint64, secs float64) string {
	return humanize.IBytes(uint64(float64(delta)/secs)) + "/s"
}
