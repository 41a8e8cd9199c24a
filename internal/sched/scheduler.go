// internal/sched/scheduler.go

package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

// timeNow is swapped out by tests.
var timeNow = time.Now

// Policy selects the scheduling algorithm behind every agent.
type Policy int32

const (
	PolicyPerCPU      Policy = iota // independent FIFO per cpu
	PolicyCentralized               // one global FIFO placed by the global cpu
)

func (p Policy) String() string {
	switch p {
	case PolicyPerCPU:
		return "percpu"
	case PolicyCentralized:
		return "centralized"
	default:
		return fmt.Sprintf("Policy(%d)", int32(p))
	}
}

func (p Policy) valid() bool { return p == PolicyPerCPU || p == PolicyCentralized }

// ParsePolicy accepts the policy names and the control plane's dfifo/cfifo
// aliases.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "percpu", "per_cpu", "dfifo", "dfcfs":
		return PolicyPerCPU, nil
	case "centralized", "cfifo", "cfcfs":
		return PolicyCentralized, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnknownPolicy)
}

// instance is one resident scheduler implementation. The active instance
// runs schedule rounds; the inactive one only drains, handing its tasks to
// its peer.
type instance interface {
	Policy() Policy
	schedule(ctx context.Context, cpu int)
	drain(cpu int)
	adopt(t *Task) error
	Empty(cpu int) bool
	NumTasks() int
	Stats() *Stats
	collectMetrics() []MetricSnapshot
	dumpState(cpu int, allTasks, emptyRQ bool)
	bind(peer instance)
}

// messageHandler applies one lifecycle message to a task.
type messageHandler interface {
	taskNew(t *Task, msg kernel.Message)
	taskRunnable(t *Task, msg kernel.Message)
	taskBlocked(t *Task, msg kernel.Message)
	taskPreempted(t *Task, msg kernel.Message)
	taskYield(t *Task, msg kernel.Message)
	taskDead(t *Task, msg kernel.Message)
	taskDeparted(t *Task, msg kernel.Message)
}

// base holds what both scheduler instances share: the live task registry,
// the dead metric set, event counters and the message dispatch loop.
type base struct {
	enclave kernel.Enclave
	cpus    *topology.CPUList
	log     *zap.Logger
	stats   Stats
	tasks   *taskRegistry
	dead    deadSet
	peer    instance
}

func newBase(enclave kernel.Enclave, cpus *topology.CPUList, log *zap.Logger) base {
	return base{enclave: enclave, cpus: cpus, log: log, tasks: newTaskRegistry()}
}

func (b *base) bind(peer instance) { b.peer = peer }
func (b *base) NumTasks() int      { return b.tasks.size() }
func (b *base) Stats() *Stats      { return &b.stats }

// drainChannel applies every pending message of ch in delivery order.
// absorb runs before each message so handed-over tasks are in place before
// their first message here.
func (b *base) drainChannel(ch kernel.Channel, absorb func(), h messageHandler) {
	for {
		msg, ok := ch.Peek()
		if !ok {
			return
		}
		absorb()
		b.dispatch(msg, h)
		ch.Consume(msg)
	}
}

func (b *base) dispatch(msg kernel.Message, h messageHandler) {
	b.stats.add(EventMessage)
	if msg.Type == kernel.MsgTaskNew {
		t := newTask(msg.Gtid, msg.Seqnum, timeNow())
		b.tasks.add(t)
		h.taskNew(t, msg)
		return
	}
	t := b.tasks.get(msg.Gtid)
	if t == nil {
		b.log.Warn("message for unknown task", zap.Stringer("type", msg.Type), zap.Stringer("gtid", msg.Gtid))
		return
	}
	t.seqnum = msg.Seqnum
	switch msg.Type {
	case kernel.MsgTaskRunnable:
		h.taskRunnable(t, msg)
	case kernel.MsgTaskBlocked:
		h.taskBlocked(t, msg)
	case kernel.MsgTaskPreempted:
		h.taskPreempted(t, msg)
	case kernel.MsgTaskYield:
		h.taskYield(t, msg)
	case kernel.MsgTaskDead:
		h.taskDead(t, msg)
	case kernel.MsgTaskDeparted:
		h.taskDeparted(t, msg)
	default:
		b.log.Warn("unhandled message", zap.Stringer("type", msg.Type), zap.Stringer("gtid", msg.Gtid))
	}
}

func (b *base) transition(t *Task, s RunState) {
	if err := t.setState(s, timeNow()); err != nil {
		b.log.Warn("state change", zap.Error(err))
	}
}

// updateRuntime pulls the kernel's cumulative runtime for a task that just
// left its cpu.
func (b *base) updateRuntime(t *Task) {
	if st, ok := b.enclave.TaskStatus(t.Gtid); ok {
		t.metric.UpdateRuntime(st.Runtime)
	}
}

// die moves the task's metric to the dead set and forgets the task. The
// caller has already cleaned up queue and cpu membership.
func (b *base) die(t *Task) {
	t.metric.Die(timeNow())
	b.tasks.remove(t.Gtid)
	b.dead.add(t.metric.take())
}

// handoff gives t to the peer instance. On success t no longer belongs to
// this instance. t leaves this registry before it enters the peer's, so a
// metric collection never sees it in both.
func (b *base) handoff(t *Task) error {
	b.tasks.remove(t.Gtid)
	if err := b.peer.adopt(t); err != nil {
		b.tasks.add(t)
		b.stats.add(EventHandoffRetry)
		return err
	}
	b.stats.add(EventHandoff)
	return nil
}

// handoffBlocked hands over every blocked task selected by mine.
func (b *base) handoffBlocked(mine func(t *Task) bool) {
	for _, t := range b.tasks.list(func(t *Task) bool { return mine(t) && t.blocked() }) {
		if err := b.handoff(t); err != nil {
			b.log.Debug("handoff deferred", zap.Stringer("gtid", t.Gtid), zap.Error(err))
		}
	}
}

// collectMetrics snapshots and clears every live metric, then drains the
// dead set.
func (b *base) collectMetrics() []MetricSnapshot {
	var out []MetricSnapshot
	b.tasks.each(func(t *Task) bool {
		out = append(out, t.metric.take())
		return true
	})
	return append(out, b.dead.drain()...)
}

func (b *base) dumpAllTasks() {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s%-12s%s\n", "task", "state", "runtime")
	b.tasks.each(func(t *Task) bool {
		// the metric is safe to read from any agent, the task is not
		snap := t.metric.Snapshot()
		fmt.Fprintf(&sb, "%-12s%-12s%s\n", snap.Gtid, snap.State, snap.Runtime)
		return true
	})
	b.log.Info("all tasks\n" + sb.String())
}

// inbox carries tasks handed over by the peer instance to the agent that
// owns them here.
type inbox struct {
	mu    sync.Mutex
	tasks []*Task
}

// put runs attach with the inbox locked and queues t when attach succeeds.
// The owner takes the lock before reading a message, so it can never see a
// message routed by attach before t is in the inbox.
func (in *inbox) put(t *Task, attach func() error) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := attach(); err != nil {
		return err
	}
	in.tasks = append(in.tasks, t)
	return nil
}

func (in *inbox) take() []*Task {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.tasks
	in.tasks = nil
	return out
}

func (in *inbox) size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.tasks)
}
