package sched

import (
	"sync"
	"testing"
	"time"

	"orcasched/internal/kernel/sim"
	"orcasched/internal/topology"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// useFakeClock swaps timeNow for the duration of the test.
func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	prev := timeNow
	timeNow = c.Now
	t.Cleanup(func() { timeNow = prev })
	return c
}

// newTestEnclave lays out n cpus, threadsPerCore hardware threads per core,
// all in one L3 domain.
func newTestEnclave(t *testing.T, n, threadsPerCore int, clk *fakeClock) *sim.Enclave {
	t.Helper()
	topo := topology.Synthetic(n, threadsPerCore, n, 1)
	opts := sim.Options{YieldTimeout: 100 * time.Microsecond}
	if clk != nil {
		opts.Now = clk.Now
	}
	return sim.New(topo, topo.All(), opts)
}

// pumpPerCPU applies the pending messages of cpu without scheduling.
func pumpPerCPU(s *PerCPUScheduler, cpu int) {
	cs := s.state(cpu)
	s.absorb(cs)
	s.drainChannel(cs.channel, func() { s.absorb(cs) }, s)
}

func pumpCentral(s *CentralizedScheduler) {
	s.absorb()
	s.drainChannel(s.channel, s.absorb, s)
}

func gtids(tasks []*Task) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, int64(t.Gtid))
	}
	return out
}
