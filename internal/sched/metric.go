package sched

import (
	"fmt"
	"io"
	"sync"
	"time"

	"orcasched/internal/kernel"
)

// Metric accumulates how long a task spent in each RunState. Every state
// change attributes the time since the previous change to the state being
// left.
//
// The owning scheduler mutates a Metric; the reporting agent snapshots it
// from another goroutine, hence the lock.
type Metric struct {
	mu sync.Mutex

	gtid      kernel.Gtid
	createdAt time.Time
	diedAt    time.Time

	durations [numRunStates]time.Duration
	preempts  int64

	// runtime is the last cumulative on-cpu time reported by the kernel;
	// elapsed is the on-cpu time accrued since the last Clear.
	runtime time.Duration
	elapsed time.Duration

	state RunState
	since time.Time
}

func newMetric(gtid kernel.Gtid, now time.Time) *Metric {
	return &Metric{gtid: gtid, createdAt: now, state: StateBlocked, since: now}
}

// Enter records a transition into next.
func (m *Metric) Enter(next RunState, now time.Time) error {
	if !next.valid() {
		return fmt.Errorf("enter %s: %w", next, ErrUnknownState)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributeLocked(now)
	m.state = next
	return nil
}

// Die closes the last interval and stamps the death time.
func (m *Metric) Die(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributeLocked(now)
	m.diedAt = now
}

// Preempted counts one preemption.
func (m *Metric) Preempted() {
	m.mu.Lock()
	m.preempts++
	m.mu.Unlock()
}

// UpdateRuntime records the kernel's cumulative runtime for the task. The
// kernel only refreshes it once the task is off the cpu.
func (m *Metric) UpdateRuntime(total time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total < m.runtime {
		return
	}
	m.elapsed += total - m.runtime
	m.runtime = total
}

// Clear zeroes the accumulators after a report. Identity, creation time and
// the in-progress interval are kept.
func (m *Metric) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = [numRunStates]time.Duration{}
	m.preempts = 0
	m.elapsed = 0
}

func (m *Metric) Snapshot() MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// take snapshots and clears in one step, so nothing attributed in between
// is lost.
func (m *Metric) take() MetricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshotLocked()
	m.durations = [numRunStates]time.Duration{}
	m.preempts = 0
	m.elapsed = 0
	return s
}

func (m *Metric) snapshotLocked() MetricSnapshot {
	return MetricSnapshot{
		Gtid:           m.gtid,
		State:          m.state,
		CreatedAt:      m.createdAt,
		DiedAt:         m.diedAt,
		Blocked:        m.durations[StateBlocked],
		Runnable:       m.durations[StateRunnable],
		Queued:         m.durations[StateQueued],
		OnCPU:          m.durations[StateOnCPU],
		Yielding:       m.durations[StateYielding],
		PreemptCount:   m.preempts,
		Runtime:        m.runtime,
		ElapsedRuntime: m.elapsed,
	}
}

func (m *Metric) attributeLocked(now time.Time) {
	if d := now.Sub(m.since); d > 0 {
		m.durations[m.state] += d
	}
	m.since = now
}

// MetricSnapshot is a point-in-time copy of a Metric.
type MetricSnapshot struct {
	Gtid      kernel.Gtid
	State     RunState
	CreatedAt time.Time
	DiedAt    time.Time // zero while the task lives

	Blocked  time.Duration
	Runnable time.Duration
	Queued   time.Duration
	OnCPU    time.Duration
	Yielding time.Duration

	PreemptCount   int64
	Runtime        time.Duration
	ElapsedRuntime time.Duration
}

func (s MetricSnapshot) Dead() bool { return !s.DiedAt.IsZero() }

// add folds a later snapshot of the same task into s.
func (s *MetricSnapshot) add(o MetricSnapshot) {
	s.State = o.State
	if o.Dead() {
		s.DiedAt = o.DiedAt
	}
	s.Blocked += o.Blocked
	s.Runnable += o.Runnable
	s.Queued += o.Queued
	s.OnCPU += o.OnCPU
	s.Yielding += o.Yielding
	s.PreemptCount += o.PreemptCount
	s.Runtime = max(s.Runtime, o.Runtime)
	s.ElapsedRuntime += o.ElapsedRuntime
}

// mergeSnapshots keeps one snapshot per task, in order of first
// appearance. A task handed between instances, or dying, while a report
// is being collected shows up more than once; each copy holds only what
// accrued since the previous one was taken.
func mergeSnapshots(snaps []MetricSnapshot) []MetricSnapshot {
	seen := make(map[kernel.Gtid]int, len(snaps))
	out := make([]MetricSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if i, ok := seen[s.Gtid]; ok {
			out[i].add(s)
			continue
		}
		seen[s.Gtid] = len(out)
		out = append(out, s)
	}
	return out
}

// Total is the sum of the per-state durations.
func (s MetricSnapshot) Total() time.Duration {
	return s.Blocked + s.Runnable + s.Queued + s.OnCPU + s.Yielding
}

// Print writes a human readable result block.
func (s MetricSnapshot) Print(w io.Writer) {
	fmt.Fprintf(w, "=============== Result: %s ==================\n", s.Gtid)
	fmt.Fprintf(w, "BlockTime: %d\nRunnableTime: %d\nQueuedTime: %d\nOnCpuTime: %d\nYieldingTime: %d\nRuntime: %d\nElapsedRuntime: %d\n",
		s.Blocked.Nanoseconds(), s.Runnable.Nanoseconds(), s.Queued.Nanoseconds(),
		s.OnCPU.Nanoseconds(), s.Yielding.Nanoseconds(), s.Runtime.Nanoseconds(), s.ElapsedRuntime.Nanoseconds())
	died := int64(0)
	if s.Dead() {
		died = s.DiedAt.Unix()
	}
	fmt.Fprintf(w, "CreatedAt: %d, DiedAt: %d\n", s.CreatedAt.Unix(), died)
	fmt.Fprintln(w, "---------------------------------")
}
