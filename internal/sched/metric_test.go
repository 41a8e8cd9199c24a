package sched

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/kernel"
)

func TestMetricAttributesTimeToStateLeft(t *testing.T) {
	at := time.Unix(1000, 0)
	m := newMetric(3, at)

	steps := []struct {
		next  RunState
		after time.Duration
	}{
		{StateRunnable, 5 * time.Millisecond},
		{StateQueued, 0},
		{StateRunnable, 2 * time.Millisecond},
		{StateOnCPU, 0},
		{StateYielding, 7 * time.Millisecond},
		{StateRunnable, time.Millisecond},
		{StateQueued, 0},
		{StateRunnable, 4 * time.Millisecond},
		{StateOnCPU, 0},
		{StateBlocked, 3 * time.Millisecond},
	}
	for _, st := range steps {
		at = at.Add(st.after)
		require.NoError(t, m.Enter(st.next, at))
	}
	at = at.Add(6 * time.Millisecond)
	m.Die(at)

	snap := m.Snapshot()
	assert.Equal(t, 11*time.Millisecond, snap.Blocked)
	assert.Zero(t, snap.Runnable)
	assert.Equal(t, 6*time.Millisecond, snap.Queued)
	assert.Equal(t, 10*time.Millisecond, snap.OnCPU)
	assert.Equal(t, time.Millisecond, snap.Yielding)
	assert.True(t, snap.Dead())
	assert.Equal(t, snap.DiedAt.Sub(snap.CreatedAt), snap.Total())
}

func TestMetricEnterRejectsUnknownState(t *testing.T) {
	m := newMetric(1, time.Unix(0, 0))
	assert.ErrorIs(t, m.Enter(RunState(17), time.Unix(1, 0)), ErrUnknownState)
	assert.Equal(t, StateBlocked, m.Snapshot().State)
}

func TestMetricClearKeepsIdentity(t *testing.T) {
	created := time.Unix(50, 0)
	m := newMetric(9, created)
	require.NoError(t, m.Enter(StateRunnable, created.Add(time.Second)))
	m.Preempted()
	m.Preempted()
	m.UpdateRuntime(300 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.PreemptCount)
	assert.Equal(t, 300*time.Millisecond, snap.ElapsedRuntime)

	m.Clear()
	snap = m.Snapshot()
	assert.Zero(t, snap.Total())
	assert.Zero(t, snap.PreemptCount)
	assert.Zero(t, snap.ElapsedRuntime)
	assert.Equal(t, 300*time.Millisecond, snap.Runtime)
	assert.Equal(t, created, snap.CreatedAt)
	assert.Equal(t, StateRunnable, snap.State)
}

func TestMetricUpdateRuntime(t *testing.T) {
	m := newMetric(1, time.Unix(0, 0))
	m.UpdateRuntime(10 * time.Millisecond)
	m.UpdateRuntime(25 * time.Millisecond)
	// a stale reading never moves the total backwards
	m.UpdateRuntime(20 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, 25*time.Millisecond, snap.Runtime)
	assert.Equal(t, 25*time.Millisecond, snap.ElapsedRuntime)
}

func TestMetricSnapshotPrint(t *testing.T) {
	m := newMetric(4, time.Unix(10, 0))
	require.NoError(t, m.Enter(StateRunnable, time.Unix(12, 0)))

	var buf bytes.Buffer
	m.Snapshot().Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "Result: gtid:4")
	assert.Contains(t, out, "BlockTime: 2000000000")
	assert.Contains(t, out, "CreatedAt: 10, DiedAt: 0")
}

func TestMergeSnapshotsFoldsDuplicates(t *testing.T) {
	created := time.Unix(1000, 0)
	died := created.Add(time.Second)
	snaps := mergeSnapshots([]MetricSnapshot{
		{Gtid: 4, State: StateQueued, CreatedAt: created, Queued: 2 * time.Millisecond, PreemptCount: 1, Runtime: 5 * time.Millisecond},
		{Gtid: 9, State: StateBlocked, CreatedAt: created, Blocked: time.Millisecond},
		{Gtid: 4, State: StateBlocked, CreatedAt: created, DiedAt: died, Queued: time.Millisecond, OnCPU: 3 * time.Millisecond, Runtime: 8 * time.Millisecond, ElapsedRuntime: 3 * time.Millisecond},
	})
	require.Len(t, snaps, 2)
	assert.Equal(t, MetricSnapshot{
		Gtid:           4,
		State:          StateBlocked,
		CreatedAt:      created,
		DiedAt:         died,
		Queued:         3 * time.Millisecond,
		OnCPU:          3 * time.Millisecond,
		PreemptCount:   1,
		Runtime:        8 * time.Millisecond,
		ElapsedRuntime: 3 * time.Millisecond,
	}, snaps[0])
	assert.Equal(t, kernel.Gtid(9), snaps[1].Gtid)
	assert.Empty(t, mergeSnapshots(nil))
}
