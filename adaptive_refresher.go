package main

import (
	"context"
	"fmt"
	"time"

	"uwbmesh/ranging"
)

// refresherState buckets how busy the mesh currently looks, coalescing the
// peer count into quiet/normal/busy tiers that each map to a sweep interval.
type refresherState string

const (
	refreshQuiet  refresherState = "quiet"
	refreshNormal refresherState = "normal"
	refreshBusy   refresherState = "busy"
)

// staleRefresher periodically sweeps the peer table for neighbors trending
// toward eviction and surfaces them on the system pane, at an interval that
// tightens as the mesh gets busier. It never mutates the table itself —
// eviction is mac.Machine's job — it only flags what's about to happen.
type staleRefresher struct {
	table     *ranging.Table
	console   uiSurface
	intervals map[refresherState]time.Duration
	lastRun   time.Time
}

func newStaleRefresher(table *ranging.Table, console uiSurface) *staleRefresher {
	return &staleRefresher{
		table:   table,
		console: console,
		intervals: map[refresherState]time.Duration{
			refreshQuiet:  2 * time.Second,
			refreshNormal: time.Second,
			refreshBusy:   250 * time.Millisecond,
		},
	}
}

// highestState classifies the current load: more known peers means more
// chances for a slot timeout to fire between sweeps, so the sweep runs
// proportionally more often.
func (r *staleRefresher) highestState() refresherState {
	switch n := r.table.Len(); {
	case n == 0:
		return refreshQuiet
	case n <= 3:
		return refreshNormal
	default:
		return refreshBusy
	}
}

func (r *staleRefresher) run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.maybeRefresh(now)
		}
	}
}

func (r *staleRefresher) maybeRefresh(now time.Time) {
	interval, ok := r.intervals[r.highestState()]
	if !ok {
		interval = r.intervals[refreshNormal]
	}
	if r.lastRun.IsZero() {
		r.lastRun = now
		return
	}
	if now.Sub(r.lastRun) < interval {
		return
	}
	r.sweep()
	r.lastRun = now
}

func (r *staleRefresher) sweep() {
	for _, p := range r.table.Snapshot().Peers {
		if p.Missed > 0 {
			r.console.AppendSystem(fmt.Sprintf("peer %d: %d consecutive missed slot(s)", p.ID, p.Missed))
		}
	}
}
