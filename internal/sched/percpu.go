package sched

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

// PerCPUScheduler runs an independent FIFO on every cpu. Each cpu owns a
// message channel and a run queue, and a task lives on its home cpu: the
// cpu's agent is the only one that touches it.
type PerCPUScheduler struct {
	base
	order  []int
	states map[int]*cpuState
	defCPU int
	rr     atomic.Uint64
}

type cpuState struct {
	current  *Task
	channel  kernel.Channel
	rq       *RunQueue
	yielding []*Task
	inbox    inbox
}

var _ instance = (*PerCPUScheduler)(nil)

// NewPerCPUScheduler creates one channel and run queue per cpu. The channel
// of the first cpu is the one to install as the enclave default.
func NewPerCPUScheduler(enclave kernel.Enclave, cpus *topology.CPUList, log *zap.Logger) *PerCPUScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PerCPUScheduler{
		base:   newBase(enclave, cpus, log.Named("percpu")),
		order:  cpus.IDs(),
		states: make(map[int]*cpuState, cpus.Size()),
	}
	s.defCPU, _ = cpus.Front()
	for _, id := range s.order {
		s.states[id] = &cpuState{channel: enclave.MakeChannel(id), rq: NewRunQueue()}
	}
	return s
}

func (s *PerCPUScheduler) Policy() Policy { return PolicyPerCPU }

// DefaultChannel is the channel receiving TaskNew when this instance admits
// tasks.
func (s *PerCPUScheduler) DefaultChannel() kernel.Channel { return s.states[s.defCPU].channel }

// Empty reports whether cpu has nothing queued, parked or in transit.
func (s *PerCPUScheduler) Empty(cpu int) bool {
	cs, ok := s.states[cpu]
	if !ok {
		return true
	}
	return cs.rq.Empty() && len(cs.yielding) == 0 && cs.inbox.size() == 0
}

func (s *PerCPUScheduler) state(cpu int) *cpuState {
	cs, ok := s.states[cpu]
	invariant(ok, "no cpu state for cpu %d", cpu)
	return cs
}

// schedule runs one round for cpu: apply the cpu's messages, then place at
// most one task on it.
func (s *PerCPUScheduler) schedule(ctx context.Context, cpu int) {
	cs := s.state(cpu)
	st := s.enclave.AgentStatus(cpu)

	s.absorb(cs)
	s.drainChannel(cs.channel, func() { s.absorb(cs) }, s)
	s.pick(ctx, cpu, cs, st)
	s.flushYielding(cs)
}

func (s *PerCPUScheduler) pick(ctx context.Context, cpu int, cs *cpuState, st kernel.AgentStatus) {
	var next *Task
	// a boosted agent gives the cpu back to the higher priority class
	if !st.BoostedPriority && st.Available {
		next = cs.current
		if next == nil {
			next = s.dequeue(cs)
		}
	}
	if next == nil {
		s.localYield(ctx, cpu, st.Barrier)
		return
	}

	if next != cs.current {
		if ts, ok := s.enclave.TaskStatus(next.Gtid); ok && ts.OnCPU {
			// still switching off its previous cpu
			s.stats.add(EventSpin)
			s.transition(next, StateQueued)
			cs.rq.EnqueueFront(next)
			s.localYield(ctx, cpu, st.Barrier)
			return
		}
	}

	req := s.enclave.RunRequest(cpu)
	req.Open(kernel.RunRequestOptions{
		Target:        next.Gtid,
		TargetBarrier: next.seqnum,
		AgentBarrier:  st.Barrier,
		CommitFlags:   kernel.CommitAtTxnCommit,
	})
	if req.Commit() {
		s.stats.add(EventCommit)
		s.onCPU(cs, next, cpu)
	} else {
		s.stats.add(EventCommitFailed)
		s.log.Debug("commit failed", zap.Int("cpu", cpu), zap.Stringer("gtid", next.Gtid))
		if next == cs.current {
			s.offCPU(next)
			s.transition(next, StateRunnable)
		}
		next.prioBoost = true
		s.enqueue(cs, next)
	}
	s.localYield(ctx, cpu, st.Barrier)
}

func (s *PerCPUScheduler) localYield(ctx context.Context, cpu int, barrier kernel.BarrierToken) {
	if err := s.enclave.LocalYield(ctx, cpu, barrier); err != nil && ctx.Err() == nil {
		s.log.Debug("local yield", zap.Int("cpu", cpu), zap.Error(err))
	}
}

// drain is the inactive round for cpu: messages are still applied, but
// every task that becomes free is handed to the peer instead of placed.
func (s *PerCPUScheduler) drain(cpu int) {
	cs := s.state(cpu)
	s.absorb(cs)
	s.drainChannel(cs.channel, func() { s.absorb(cs) }, s)
	s.flushYielding(cs)

	if cs.current != nil {
		// kick it off the cpu; its preemption brings it back through the queue
		if err := s.enclave.Ping(cpu); err != nil {
			s.log.Debug("ping", zap.Int("cpu", cpu), zap.Error(err))
		}
	}
	for {
		t := s.dequeue(cs)
		if t == nil {
			break
		}
		if err := s.handoff(t); err != nil {
			s.log.Debug("handoff deferred", zap.Stringer("gtid", t.Gtid), zap.Error(err))
			s.transition(t, StateQueued)
			cs.rq.EnqueueFront(t)
			break
		}
	}
	s.handoffBlocked(func(t *Task) bool {
		home := t.Home()
		return home == cpu || (home < 0 && cpu == s.defCPU)
	})
}

// adopt takes a Runnable or Blocked task over from the peer instance and
// homes it round-robin.
func (s *PerCPUScheduler) adopt(t *Task) error {
	invariant(t.runnable() || t.blocked(), "adopting %s", t)
	cpu := s.assignCPU()
	cs := s.state(cpu)
	// t belongs to the new owner once it is in the inbox
	runnable := t.runnable()
	err := cs.inbox.put(t, func() error {
		if err := cs.channel.AssociateTask(t.Gtid, t.seqnum); err != nil {
			return err
		}
		// the registry lock publishes home to agents that find t there
		t.setHome(cpu)
		t.cpu = -1
		s.tasks.add(t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("adopt %s on cpu %d: %w", t.Gtid, cpu, err)
	}
	if runnable {
		s.ping(cpu)
	}
	return nil
}

func (s *PerCPUScheduler) absorb(cs *cpuState) {
	for _, t := range cs.inbox.take() {
		if t.runnable() {
			s.enqueue(cs, t)
		}
	}
}

func (s *PerCPUScheduler) assignCPU() int {
	n := s.rr.Add(1) - 1
	return s.order[n%uint64(len(s.order))]
}

// migrate homes a runnable task on cpu and routes its messages there. The
// task travels through the target's inbox so that agent owns it before any
// rerouted message arrives. If the association fails, more messages for it
// are pending on the default channel, so it stays with the default cpu.
func (s *PerCPUScheduler) migrate(t *Task, cpu int, seqnum kernel.BarrierToken) {
	invariant(t.runnable(), "migrating %s", t)
	invariant(t.Home() < 0, "migrating homed %s (home %d)", t, t.Home())
	s.stats.add(EventMigrate)
	if cpu != s.defCPU {
		cs := s.state(cpu)
		err := cs.inbox.put(t, func() error {
			if err := cs.channel.AssociateTask(t.Gtid, seqnum); err != nil {
				return err
			}
			t.setHome(cpu)
			return nil
		})
		if err == nil {
			s.ping(cpu)
			return
		}
		s.log.Debug("associate", zap.Stringer("gtid", t.Gtid), zap.Int("cpu", cpu), zap.Error(err))
	}
	t.setHome(s.defCPU)
	s.enqueue(s.state(s.defCPU), t)
}

func (s *PerCPUScheduler) ping(cpu int) {
	if err := s.enclave.Ping(cpu); err != nil {
		s.log.Debug("ping", zap.Int("cpu", cpu), zap.Error(err))
	}
}

func (s *PerCPUScheduler) enqueue(cs *cpuState, t *Task) {
	invariant(t.runnable(), "enqueue %s", t)
	s.transition(t, StateQueued)
	cs.rq.Enqueue(t)
}

func (s *PerCPUScheduler) dequeue(cs *cpuState) *Task {
	t := cs.rq.Dequeue()
	if t == nil {
		return nil
	}
	invariant(t.queued(), "dequeued %s", t)
	s.transition(t, StateRunnable)
	return t
}

func (s *PerCPUScheduler) erase(t *Task) {
	invariant(t.queued(), "erase %s", t)
	invariant(s.state(t.Home()).rq.Erase(t), "%s not on the run queue of cpu %d", t, t.Home())
	s.transition(t, StateRunnable)
}

func (s *PerCPUScheduler) onCPU(cs *cpuState, t *Task, cpu int) {
	cs.current = t
	s.transition(t, StateOnCPU)
	t.cpu = cpu
	t.preempted = false
	t.prioBoost = false
}

func (s *PerCPUScheduler) offCPU(t *Task) {
	cs := s.state(t.cpu)
	invariant(cs.current == t, "%s is not current on cpu %d", t, t.cpu)
	cs.current = nil
	t.cpu = -1
}

// flushYielding returns tasks parked for this round to the head of the
// queue, keeping their order.
func (s *PerCPUScheduler) flushYielding(cs *cpuState) {
	for i := len(cs.yielding) - 1; i >= 0; i-- {
		t := cs.yielding[i]
		invariant(t.yielding(), "flushing %s", t)
		s.transition(t, StateRunnable)
		s.transition(t, StateQueued)
		cs.rq.EnqueueFront(t)
	}
	cs.yielding = cs.yielding[:0]
}

func (s *PerCPUScheduler) unyield(t *Task) {
	cs := s.state(t.Home())
	for i, y := range cs.yielding {
		if y == t {
			cs.yielding = append(cs.yielding[:i], cs.yielding[i+1:]...)
			s.transition(t, StateRunnable)
			return
		}
	}
	invariant(false, "%s not in the yield set of cpu %d", t, t.Home())
}

func (s *PerCPUScheduler) taskNew(t *Task, msg kernel.Message) {
	if !msg.Runnable {
		// homed on its first wakeup
		return
	}
	s.transition(t, StateRunnable)
	s.migrate(t, s.assignCPU(), msg.Seqnum)
}

func (s *PerCPUScheduler) taskRunnable(t *Task, msg kernel.Message) {
	invariant(t.blocked(), "wakeup of %s", t)
	s.transition(t, StateRunnable)
	t.prioBoost = !msg.Deferrable
	if t.Home() < 0 {
		s.migrate(t, s.assignCPU(), msg.Seqnum)
		return
	}
	s.enqueue(s.state(t.Home()), t)
}

func (s *PerCPUScheduler) taskBlocked(t *Task, _ kernel.Message) {
	switch {
	case t.onCPU():
		s.offCPU(t)
	case t.yielding():
		s.unyield(t)
	default:
		s.erase(t)
	}
	s.transition(t, StateBlocked)
	s.updateRuntime(t)
}

func (s *PerCPUScheduler) taskPreempted(t *Task, _ kernel.Message) {
	t.preempted = true
	if !t.onCPU() {
		invariant(t.queued() || t.yielding(), "preemption of %s", t)
		return
	}
	s.offCPU(t)
	t.metric.Preempted()
	s.transition(t, StateRunnable)
	s.enqueue(s.state(t.Home()), t)
}

func (s *PerCPUScheduler) taskYield(t *Task, _ kernel.Message) {
	if !t.onCPU() {
		invariant(t.queued() || t.yielding(), "yield of %s", t)
		return
	}
	s.offCPU(t)
	s.transition(t, StateYielding)
	s.updateRuntime(t)
	cs := s.state(t.Home())
	cs.yielding = append(cs.yielding, t)
}

func (s *PerCPUScheduler) taskDead(t *Task, _ kernel.Message) {
	invariant(t.blocked(), "death of %s", t)
	s.die(t)
}

func (s *PerCPUScheduler) taskDeparted(t *Task, _ kernel.Message) {
	switch {
	case t.onCPU():
		s.offCPU(t)
	case t.queued():
		s.erase(t)
	case t.yielding():
		s.unyield(t)
	default:
		invariant(t.blocked(), "departure of %s", t)
	}
	s.die(t)
}

func (s *PerCPUScheduler) dumpState(cpu int, allTasks, emptyRQ bool) {
	if allTasks {
		s.dumpAllTasks()
	}
	cs, ok := s.states[cpu]
	if !ok || (!emptyRQ && cs.rq.Empty()) {
		return
	}
	current := "none"
	if cs.current != nil {
		current = cs.current.Gtid.String()
	}
	s.log.Info("SchedState",
		zap.Int("cpu", cpu),
		zap.String("current", current),
		zap.Int("rq_l", cs.rq.Size()),
		zap.Object("stats", &s.stats))
}
