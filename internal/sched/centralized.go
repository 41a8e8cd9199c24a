package sched

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

// CentralizedScheduler keeps one global FIFO. The agent of the global cpu
// owns it and places tasks on every other cpu; the global cpu itself never
// runs tasks, and its role can move to a less busy cpu.
type CentralizedScheduler struct {
	base
	order   []int
	states  map[int]*centralCPU
	channel kernel.Channel
	rq      *RunQueue
	inbox   inbox

	yielding []*Task
	nyield   atomic.Int32

	globalCPU  atomic.Int32
	preemption atomic.Int64 // time.Duration, <0 never preempts
	iterations atomic.Uint64
	// migration is reconsidered when iterations&migrationMask == 0
	migrationMask uint64
}

type centralCPU struct {
	current    *Task
	lastCommit time.Time
}

var _ instance = (*CentralizedScheduler)(nil)

// NewCentralizedScheduler creates the scheduler with its global cpu; a cpu
// outside cpus falls back to the first one. migrationPeriod must be a power
// of two.
func NewCentralizedScheduler(enclave kernel.Enclave, cpus *topology.CPUList, globalCPU int,
	preemption time.Duration, migrationPeriod int, log *zap.Logger) *CentralizedScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if !cpus.IsSet(globalCPU) {
		globalCPU, _ = cpus.Front()
	}
	if migrationPeriod <= 0 {
		migrationPeriod = 1
	}
	s := &CentralizedScheduler{
		base:          newBase(enclave, cpus, log.Named("centralized")),
		order:         cpus.IDs(),
		states:        make(map[int]*centralCPU, cpus.Size()),
		channel:       enclave.MakeChannel(globalCPU),
		rq:            NewRunQueue(),
		migrationMask: uint64(migrationPeriod - 1),
	}
	for _, id := range s.order {
		s.states[id] = &centralCPU{}
	}
	s.globalCPU.Store(int32(globalCPU))
	s.preemption.Store(int64(preemption))
	return s
}

func (s *CentralizedScheduler) Policy() Policy                 { return PolicyCentralized }
func (s *CentralizedScheduler) DefaultChannel() kernel.Channel { return s.channel }
func (s *CentralizedScheduler) GlobalCPU() int                 { return int(s.globalCPU.Load()) }

// SetPreemptionInterval changes how long a committed task keeps its cpu
// before a queued task may displace it. Negative disables preemption.
func (s *CentralizedScheduler) SetPreemptionInterval(d time.Duration) {
	s.preemption.Store(int64(d))
}

func (s *CentralizedScheduler) PreemptionInterval() time.Duration {
	return time.Duration(s.preemption.Load())
}

// Empty reports whether the global queue, yield set and inbox are empty.
// The cpu is ignored: there is one queue.
func (s *CentralizedScheduler) Empty(int) bool {
	return s.rq.Empty() && s.nyield.Load() == 0 && s.inbox.size() == 0
}

func (s *CentralizedScheduler) setGlobalCPU(cpu int) {
	s.globalCPU.Store(int32(cpu))
	s.channel.SetWakeupCPU(cpu)
}

func (s *CentralizedScheduler) schedule(ctx context.Context, cpu int) {
	st := s.enclave.AgentStatus(cpu)
	if cpu != s.GlobalCPU() {
		s.localYield(ctx, cpu, st.Barrier)
		return
	}
	if st.BoostedPriority && s.pickNextGlobalCPU(cpu) {
		return
	}

	s.absorb()
	s.drainChannel(s.channel, s.absorb, s)
	if !s.GlobalSchedule() {
		s.localYield(ctx, cpu, st.Barrier)
	}
}

func (s *CentralizedScheduler) localYield(ctx context.Context, cpu int, barrier kernel.BarrierToken) {
	if err := s.enclave.LocalYield(ctx, cpu, barrier); err != nil && ctx.Err() == nil {
		s.log.Debug("local yield", zap.Int("cpu", cpu), zap.Error(err))
	}
}

// GlobalSchedule makes one round of placement decisions and commits them as
// a batch. It reports whether any cpu was assigned.
func (s *CentralizedScheduler) GlobalSchedule() bool {
	s.iterations.Add(1)
	global := s.GlobalCPU()
	interval := s.PreemptionInterval()
	now := timeNow()

	available := topology.NewCPUList()
	assigned := topology.NewCPUList()
	for _, id := range s.order {
		if id == global {
			continue
		}
		if !s.enclave.AgentStatus(id).Available {
			// a higher priority class owns the cpu
			continue
		}
		cs := s.states[id]
		if cs.current != nil && (interval < 0 || now.Sub(cs.lastCommit) < interval) {
			continue
		}
		available.Set(id)
	}

	for !available.Empty() {
		next := s.dequeue()
		if next == nil {
			break
		}
		// Still switching off a cpu, or messages for it are unread: acting
		// now could place it on two cpus. Look again next round.
		ts, ok := s.enclave.TaskStatus(next.Gtid)
		if !ok || ts.OnCPU || next.seqnum != ts.Barrier {
			s.stats.add(EventDeferred)
			s.yield(next)
			continue
		}

		id, _ := available.Front()
		cs := s.states[id]
		if prev := cs.current; prev != nil {
			// the kernel preempts it when the new commit lands
			s.stats.add(EventDisplaced)
			prev.cpu = -1
			s.transition(prev, StateRunnable)
			s.enqueue(prev)
		}
		cs.current = next
		available.Clear(id)
		assigned.Set(id)

		s.enclave.RunRequest(id).Open(kernel.RunRequestOptions{
			Target:        next.Gtid,
			TargetBarrier: next.seqnum,
			CommitFlags:   kernel.CommitAtTxnCommit,
		})
	}

	if !assigned.Empty() {
		s.enclave.CommitRunRequests(assigned)
		committed := timeNow()
		for _, id := range assigned.IDs() {
			cs := s.states[id]
			if s.enclave.RunRequest(id).Succeeded() {
				s.stats.add(EventCommit)
				cs.lastCommit = committed
				s.onCPU(cs.current, id)
				continue
			}
			s.stats.add(EventCommitFailed)
			t := cs.current
			cs.current = nil
			t.prioBoost = true
			s.enqueue(t)
		}
	}

	s.flushYielding()
	return !assigned.Empty()
}

// pickNextGlobalCPU moves the global role off a cpu a higher priority class
// wants back. The search prefers core siblings, then the L3 domain, then
// the NUMA node, then anything.
func (s *CentralizedScheduler) pickNextGlobalCPU(this int) bool {
	if s.iterations.Load()&s.migrationMask != 0 {
		return false
	}
	global := s.GlobalCPU()
	target := s.globalCandidate(global)
	if target < 0 {
		return false
	}
	invariant(target != this, "global cpu candidate %d is the calling cpu", target)

	// The ping makes the kernel preempt whatever runs on target. Whether it
	// is preempted, blocks or exits first, a message updates its state.
	if prev := s.states[target].current; prev != nil {
		invariant(prev.onCPU(), "current of cpu %d is %s", target, prev)
	}
	s.setGlobalCPU(target)
	if err := s.enclave.Ping(target); err != nil {
		s.log.Warn("ping new global cpu", zap.Int("cpu", target), zap.Error(err))
	}
	s.stats.add(EventGlobalMove)
	s.log.Info("global cpu moved", zap.Int("from", global), zap.Int("to", target))
	return true
}

func (s *CentralizedScheduler) globalCandidate(global int) int {
	topo := s.enclave.Topology()
	ok := func(id int) bool {
		return id != global && s.cpus.IsSet(id) && s.enclave.AgentStatus(id).Available
	}
	for _, domain := range []*topology.CPUList{topo.Siblings(global), topo.L3Siblings(global)} {
		for _, id := range domain.IDs() {
			if ok(id) {
				return id
			}
		}
	}
	if node := topo.NUMANode(global); node >= 0 {
		for _, id := range s.order {
			if topo.NUMANode(id) == node && ok(id) {
				return id
			}
		}
	}
	for _, id := range s.order {
		if ok(id) {
			return id
		}
	}
	return -1
}

// drain is the inactive round. Only the agent of the global cpu runs it, so
// the global queue keeps a single owner.
func (s *CentralizedScheduler) drain(cpu int) {
	if cpu != s.GlobalCPU() {
		return
	}
	s.absorb()
	s.drainChannel(s.channel, s.absorb, s)

	for _, id := range s.order {
		if s.states[id].current != nil {
			if err := s.enclave.Ping(id); err != nil {
				s.log.Debug("ping", zap.Int("cpu", id), zap.Error(err))
			}
		}
	}

	parked := s.yielding
	s.yielding = nil
	s.nyield.Store(0)
	for _, t := range parked {
		s.transition(t, StateRunnable)
		if err := s.handoff(t); err != nil {
			s.transition(t, StateQueued)
			s.rq.EnqueueFront(t)
		}
	}
	for {
		t := s.dequeue()
		if t == nil {
			break
		}
		if err := s.handoff(t); err != nil {
			s.log.Debug("handoff deferred", zap.Stringer("gtid", t.Gtid), zap.Error(err))
			s.transition(t, StateQueued)
			s.rq.EnqueueFront(t)
			break
		}
	}
	s.handoffBlocked(func(*Task) bool { return true })
}

func (s *CentralizedScheduler) adopt(t *Task) error {
	invariant(t.runnable() || t.blocked(), "adopting %s", t)
	runnable := t.runnable()
	err := s.inbox.put(t, func() error {
		if err := s.channel.AssociateTask(t.Gtid, t.seqnum); err != nil {
			return err
		}
		t.setHome(-1)
		t.cpu = -1
		s.tasks.add(t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("adopt %s: %w", t.Gtid, err)
	}
	if runnable {
		if err := s.enclave.Ping(s.GlobalCPU()); err != nil {
			s.log.Debug("ping", zap.Int("cpu", s.GlobalCPU()), zap.Error(err))
		}
	}
	return nil
}

func (s *CentralizedScheduler) absorb() {
	for _, t := range s.inbox.take() {
		if t.runnable() {
			s.enqueue(t)
		}
	}
}

func (s *CentralizedScheduler) enqueue(t *Task) {
	invariant(t.runnable(), "enqueue %s", t)
	s.transition(t, StateQueued)
	s.rq.Enqueue(t)
}

func (s *CentralizedScheduler) dequeue() *Task {
	t := s.rq.Dequeue()
	if t == nil {
		return nil
	}
	invariant(t.queued(), "dequeued %s", t)
	s.transition(t, StateRunnable)
	return t
}

func (s *CentralizedScheduler) erase(t *Task) {
	invariant(t.queued(), "erase %s", t)
	invariant(s.rq.Erase(t), "%s not on the run queue", t)
	s.transition(t, StateRunnable)
}

// yield parks t for the rest of this round. t is either coming off a cpu or
// was just dequeued.
func (s *CentralizedScheduler) yield(t *Task) {
	invariant(t.onCPU() || t.runnable(), "yield of %s", t)
	s.transition(t, StateYielding)
	s.yielding = append(s.yielding, t)
	s.nyield.Add(1)
}

func (s *CentralizedScheduler) unyield(t *Task) {
	for i, y := range s.yielding {
		if y == t {
			s.yielding = append(s.yielding[:i], s.yielding[i+1:]...)
			s.nyield.Add(-1)
			s.transition(t, StateRunnable)
			return
		}
	}
	invariant(false, "%s not in the yield set", t)
}

// flushYielding returns the parked tasks to the head of the queue, keeping
// their order.
func (s *CentralizedScheduler) flushYielding() {
	for i := len(s.yielding) - 1; i >= 0; i-- {
		t := s.yielding[i]
		invariant(t.yielding(), "flushing %s", t)
		s.transition(t, StateRunnable)
		s.transition(t, StateQueued)
		s.rq.EnqueueFront(t)
	}
	s.yielding = s.yielding[:0]
	s.nyield.Store(0)
}

func (s *CentralizedScheduler) onCPU(t *Task, cpu int) {
	invariant(s.states[cpu].current == t, "%s committed on cpu %d but not current", t, cpu)
	s.transition(t, StateOnCPU)
	t.cpu = cpu
	t.preempted = false
	t.prioBoost = false
}

func (s *CentralizedScheduler) offCPU(t *Task) {
	cs, ok := s.states[t.cpu]
	invariant(ok && cs.current == t, "%s is not current on cpu %d", t, t.cpu)
	cs.current = nil
	t.cpu = -1
}

func (s *CentralizedScheduler) taskNew(t *Task, msg kernel.Message) {
	if msg.Runnable {
		s.transition(t, StateRunnable)
		s.enqueue(t)
	}
}

func (s *CentralizedScheduler) taskRunnable(t *Task, msg kernel.Message) {
	invariant(t.blocked(), "wakeup of %s", t)
	s.transition(t, StateRunnable)
	t.prioBoost = !msg.Deferrable
	s.enqueue(t)
}

func (s *CentralizedScheduler) taskBlocked(t *Task, _ kernel.Message) {
	switch {
	case t.onCPU():
		s.offCPU(t)
	case t.queued():
		s.erase(t)
	case t.yielding():
		s.unyield(t)
	default:
		invariant(false, "block of %s", t)
	}
	s.transition(t, StateBlocked)
	s.updateRuntime(t)
}

func (s *CentralizedScheduler) taskPreempted(t *Task, _ kernel.Message) {
	t.preempted = true
	if !t.onCPU() {
		// displaced earlier and already queued, or parked this round
		invariant(t.queued() || t.yielding(), "preemption of %s", t)
		return
	}
	s.offCPU(t)
	t.metric.Preempted()
	s.transition(t, StateRunnable)
	s.enqueue(t)
}

func (s *CentralizedScheduler) taskYield(t *Task, _ kernel.Message) {
	if !t.onCPU() {
		invariant(t.queued() || t.yielding(), "yield of %s", t)
		return
	}
	s.offCPU(t)
	s.updateRuntime(t)
	s.yield(t)
}

func (s *CentralizedScheduler) taskDead(t *Task, _ kernel.Message) {
	invariant(t.blocked(), "death of %s", t)
	s.die(t)
}

func (s *CentralizedScheduler) taskDeparted(t *Task, _ kernel.Message) {
	switch {
	case t.yielding():
		s.unyield(t)
	case t.onCPU():
		s.offCPU(t)
	case t.queued():
		s.erase(t)
	default:
		invariant(t.blocked(), "departure of %s", t)
	}
	s.die(t)
}

func (s *CentralizedScheduler) dumpState(_ int, allTasks, emptyRQ bool) {
	if allTasks {
		s.dumpAllTasks()
	}
	if !emptyRQ && s.rq.Empty() {
		return
	}
	var sb strings.Builder
	for _, id := range s.order {
		current := "none"
		if t := s.states[id].current; t != nil {
			current = t.Gtid.String()
		}
		fmt.Fprintf(&sb, "%d:%s ", id, current)
	}
	s.log.Info("SchedState",
		zap.String("cpus", strings.TrimSpace(sb.String())),
		zap.Int("global_cpu", s.GlobalCPU()),
		zap.Int("rq_l", s.rq.Size()),
		zap.Object("stats", &s.stats))
}
