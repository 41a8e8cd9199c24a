package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

func newEnclave(t *testing.T, n int) (*Enclave, *Channel) {
	t.Helper()
	topo := topology.Synthetic(n, 1, n, 1)
	e := New(topo, topo.All(), Options{YieldTimeout: 5 * time.Millisecond})
	ch := e.MakeChannel(0).(*Channel)
	e.SetDefaultChannel(ch)
	return e, ch
}

func drain(ch *Channel) []kernel.Message {
	var out []kernel.Message
	for {
		msg, ok := ch.Peek()
		if !ok {
			return out
		}
		ch.Consume(msg)
		out = append(out, msg)
	}
}

func run(t *testing.T, e *Enclave, cpu int, gtid kernel.Gtid) bool {
	t.Helper()
	st, ok := e.TaskStatus(gtid)
	require.True(t, ok)
	req := e.RunRequest(cpu)
	req.Open(kernel.RunRequestOptions{Target: gtid, TargetBarrier: st.Barrier, CommitFlags: kernel.CommitAtTxnCommit})
	return req.Commit()
}

func TestSpawnPostsTaskNew(t *testing.T) {
	e, ch := newEnclave(t, 2)
	g := e.Spawn(true)

	msgs := drain(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, kernel.MsgTaskNew, msgs[0].Type)
	assert.Equal(t, g, msgs[0].Gtid)
	assert.True(t, msgs[0].Runnable)

	st, ok := e.TaskStatus(g)
	require.True(t, ok)
	assert.Equal(t, msgs[0].Seqnum, st.Barrier)
	assert.False(t, st.OnCPU)
}

func TestCommitPlacesTask(t *testing.T) {
	e, ch := newEnclave(t, 2)
	g := e.Spawn(true)
	drain(ch)

	require.True(t, run(t, e, 1, g))
	cur, ok := e.Current(1)
	require.True(t, ok)
	assert.Equal(t, g, cur)
	assert.True(t, e.RunRequest(1).Succeeded())

	st, _ := e.TaskStatus(g)
	assert.True(t, st.OnCPU)
}

func TestCommitFailures(t *testing.T) {
	e, ch := newEnclave(t, 2)
	g := e.Spawn(true)
	drain(ch)

	t.Run("stale barrier", func(t *testing.T) {
		st, _ := e.TaskStatus(g)
		req := e.RunRequest(0)
		req.Open(kernel.RunRequestOptions{Target: g, TargetBarrier: st.Barrier - 1})
		assert.False(t, req.Commit())
	})

	t.Run("injected", func(t *testing.T) {
		e.FailCommits(0, 1)
		assert.False(t, run(t, e, 0, g))
		assert.True(t, run(t, e, 0, g))
	})

	t.Run("running elsewhere", func(t *testing.T) {
		assert.False(t, run(t, e, 1, g))
	})

	t.Run("unavailable cpu", func(t *testing.T) {
		e.SetAvailable(1, false)
		defer e.SetAvailable(1, true)
		h := e.Spawn(true)
		assert.False(t, run(t, e, 1, h))
	})

	t.Run("blocked", func(t *testing.T) {
		h := e.Spawn(false)
		assert.False(t, run(t, e, 1, h))
	})
}

func TestCommitDisplacesPrevious(t *testing.T) {
	e, ch := newEnclave(t, 1)
	a := e.Spawn(true)
	b := e.Spawn(true)
	drain(ch)

	require.True(t, run(t, e, 0, a))
	require.True(t, run(t, e, 0, b))

	msgs := drain(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, kernel.MsgTaskPreempted, msgs[0].Type)
	assert.Equal(t, a, msgs[0].Gtid)
	assert.Equal(t, 0, msgs[0].CPU)
}

func TestPingPreemptsCurrent(t *testing.T) {
	e, ch := newEnclave(t, 2)
	g := e.Spawn(true)
	drain(ch)
	require.True(t, run(t, e, 1, g))

	require.NoError(t, e.Ping(1))
	assert.Equal(t, 1, e.Pings(1))
	_, ok := e.Current(1)
	assert.False(t, ok)

	msgs := drain(ch)
	require.Len(t, msgs, 1)
	assert.Equal(t, kernel.MsgTaskPreempted, msgs[0].Type)
	assert.Error(t, e.Ping(7))
}

func TestLifecycle(t *testing.T) {
	e, ch := newEnclave(t, 1)
	g := e.Spawn(false)
	require.NoError(t, e.Wakeup(g, true))
	assert.ErrorIs(t, e.Wakeup(g, false), ErrBadTransition)
	require.True(t, run(t, e, 0, g))

	require.NoError(t, e.Yield(g))
	require.True(t, run(t, e, 0, g))
	require.NoError(t, e.Block(g))
	assert.ErrorIs(t, e.Block(g), ErrBadTransition)
	require.NoError(t, e.Wakeup(g, false))
	require.True(t, run(t, e, 0, g))
	require.NoError(t, e.Exit(g))

	var types []kernel.MessageType
	for _, m := range drain(ch) {
		types = append(types, m.Type)
	}
	assert.Equal(t, []kernel.MessageType{
		kernel.MsgTaskNew, kernel.MsgTaskRunnable, kernel.MsgTaskYield,
		kernel.MsgTaskBlocked, kernel.MsgTaskRunnable, kernel.MsgTaskBlocked, kernel.MsgTaskDead,
	}, types)
	assert.Equal(t, 0, e.NumTasks())
	assert.ErrorIs(t, e.Exit(g), kernel.ErrUnknownTask)
}

func TestExitRunnableRejected(t *testing.T) {
	e, _ := newEnclave(t, 1)
	g := e.Spawn(true)
	assert.ErrorIs(t, e.Exit(g), ErrBadTransition)
	require.NoError(t, e.Depart(g))
	assert.Equal(t, 0, e.NumTasks())
}

func TestAssociateTaskRoutesMessages(t *testing.T) {
	e, def := newEnclave(t, 2)
	g := e.Spawn(true)
	drain(def)

	own := e.MakeChannel(1).(*Channel)
	st, _ := e.TaskStatus(g)
	assert.ErrorIs(t, own.AssociateTask(g, st.Barrier+1), kernel.ErrStaleBarrier)
	require.NoError(t, own.AssociateTask(g, st.Barrier))

	require.True(t, run(t, e, 0, g))
	require.NoError(t, e.Preempt(g))
	assert.Equal(t, 0, def.Len())
	assert.Equal(t, 1, own.Len())
}

func TestLocalYield(t *testing.T) {
	e, _ := newEnclave(t, 1)
	ctx := context.Background()

	// stale barrier returns at once
	stale := e.AgentStatus(0).Barrier
	e.SetBoosted(0, false)
	require.NoError(t, e.LocalYield(ctx, 0, stale))

	// a pending wake is consumed
	barrier := e.AgentStatus(0).Barrier
	require.NoError(t, e.LocalYield(ctx, 0, barrier))

	// nothing pending: times out
	barrier = e.AgentStatus(0).Barrier
	start := time.Now()
	require.NoError(t, e.LocalYield(ctx, 0, barrier))
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, e.LocalYield(cancelled, 0, barrier), context.Canceled)
}

func TestRunningAccountsSlice(t *testing.T) {
	now := time.Unix(100, 0)
	topo := topology.Synthetic(1, 1, 1, 1)
	e := New(topo, topo.All(), Options{Now: func() time.Time { return now }})
	e.SetDefaultChannel(e.MakeChannel(0))
	g := e.Spawn(true)
	require.True(t, run(t, e, 0, g))

	now = now.Add(3 * time.Millisecond)
	running := e.Running()
	require.Len(t, running, 1)
	assert.Equal(t, Running{Gtid: g, CPU: 0, Slice: 3 * time.Millisecond}, running[0])

	st, _ := e.TaskStatus(g)
	assert.Equal(t, 3*time.Millisecond, st.Runtime)
}
