package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/control"
	"orcasched/internal/kernel/sim"
	"orcasched/internal/sched"
	"orcasched/internal/topology"
)

type hintCounter struct {
	mu    sync.Mutex
	kinds map[control.HintKind]int
}

func (h *hintCounter) SendHint(k control.HintKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kinds == nil {
		h.kinds = make(map[control.HintKind]int)
	}
	h.kinds[k]++
}

func (h *hintCounter) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kinds[control.HintShort] + h.kinds[control.HintLong]
}

func newEnclave(n int) *sim.Enclave {
	topo := topology.Synthetic(n, 1, n, 1)
	return sim.New(topo, topo.All(), sim.Options{YieldTimeout: 100 * time.Microsecond})
}

func TestConfigSanitize(t *testing.T) {
	c := Config{Tasks: -2, ShortBurstUS: 100, LongBurstUS: 10, LongFraction: 3}
	c.Sanitize()
	assert.Zero(t, c.Tasks)
	assert.Equal(t, 10, c.Iterations)
	assert.Equal(t, 100, c.LongBurstUS)
	assert.Equal(t, 0.05, c.LongFraction)
	assert.Equal(t, 50, c.PollUS)
}

func TestDriverRunsToCompletion(t *testing.T) {
	for _, policy := range []sched.Policy{sched.PolicyPerCPU, sched.PolicyCentralized} {
		t.Run(policy.String(), func(t *testing.T) {
			e := newEnclave(3)
			cfg := sched.DefaultConfig()
			cfg.Policy = policy.String()
			sup, err := sched.NewSupervisor(e, cfg)
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			require.NoError(t, sup.Start(ctx))

			hints := &hintCounter{}
			d := NewDriver(e, Config{
				Tasks:        5,
				Iterations:   3,
				ShortBurstUS: 100,
				LongBurstUS:  400,
				LongFraction: 0.5,
				ThinkUS:      100,
				PollUS:       20,
				Seed:         7,
			}, hints, nil)
			require.NoError(t, d.Run(ctx))

			spawned, finished := d.Counts()
			assert.Equal(t, int64(5), spawned)
			assert.Equal(t, int64(5), finished)
			assert.Equal(t, 15, hints.total())
			assert.Zero(t, e.NumTasks())
			require.Eventually(t, func() bool { return sup.CountAllTasks() == 0 }, 2*time.Second, time.Millisecond)
			require.NoError(t, sup.Stop(ctx))
		})
	}
}

func TestDriverFinishesAcrossPolicySwitches(t *testing.T) {
	e := newEnclave(4)
	cfg := sched.DefaultConfig()
	cfg.ProfilePeriodMS = 5
	sup, err := sched.NewSupervisor(e, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	d := NewDriver(e, Config{
		Tasks:        16,
		Iterations:   8,
		ShortBurstUS: 100,
		LongBurstUS:  800,
		LongFraction: 0.25,
		ThinkUS:      100,
		PollUS:       20,
		Seed:         3,
	}, nil, nil)

	done := make(chan struct{})
	switched := make(chan int)
	go func() {
		n := 0
		defer func() { switched <- n }()
		tick := time.NewTicker(3 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			next := sched.PolicyCentralized
			if sup.Policy() == sched.PolicyCentralized {
				next = sched.PolicyPerCPU
			}
			if sup.SwitchTo(next) == nil {
				n++
			}
		}
	}()
	require.NoError(t, d.Run(ctx))
	close(done)
	assert.Positive(t, <-switched)

	spawned, finished := d.Counts()
	assert.Equal(t, int64(16), spawned)
	assert.Equal(t, int64(16), finished)
	require.NoError(t, sup.AwaitQuiescence(ctx))
	require.Eventually(t, func() bool { return sup.CountAllTasks() == 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, sup.Stop(ctx))
}

func TestDriverDepartsOnCancel(t *testing.T) {
	// no agents: nothing ever runs
	e := newEnclave(2)
	d := NewDriver(e, Config{Tasks: 3, PollUS: 20}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	spawned, finished := d.Counts()
	assert.Equal(t, int64(3), spawned)
	assert.Zero(t, finished)
	assert.Zero(t, e.NumTasks())
}

func TestThink(t *testing.T) {
	assert.NoError(t, Think(time.Millisecond)(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Think(time.Hour)(ctx), context.Canceled)
	assert.ErrorIs(t, Think(0)(ctx), context.Canceled)
	assert.NoError(t, Think(0)(context.Background()))
}
