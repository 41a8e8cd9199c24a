// internal/sched/tickclock.go

package sched

import (
	"sync/atomic"
	"time"
)

// PeriodicEdge reports a rising edge once per period. Agents poll it at the
// top of a round instead of running a ticker goroutine.
type PeriodicEdge struct {
	period time.Duration
	next   time.Time
	count  atomic.Int64
}

// NewPeriodicEdge creates an edge whose first rise is one period from now.
// A non-positive period never rises.
func NewPeriodicEdge(period time.Duration) *PeriodicEdge {
	return &PeriodicEdge{period: period, next: timeNow().Add(period)}
}

// Edge reports whether a period boundary was crossed since the last edge.
// Missed periods collapse into one edge.
func (e *PeriodicEdge) Edge() bool {
	if e.period <= 0 {
		return false
	}
	now := timeNow()
	if now.Before(e.next) {
		return false
	}
	e.next = now.Add(e.period)
	e.count.Add(1)
	return true
}

// Count returns the number of edges seen so far.
func (e *PeriodicEdge) Count() int64 {
	return e.count.Load()
}
