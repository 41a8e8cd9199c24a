package sched

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"orcasched/internal/kernel"
)

// RunState is the scheduler-side state of a task.
type RunState int

const (
	StateBlocked  RunState = iota // not on a run queue
	StateRunnable                 // transitory: Blocked->Runnable->Queued, Queued->Runnable->OnCpu
	StateQueued                   // on a run queue
	StateOnCPU                    // running on a cpu
	StateYielding                 // parked in the yield set for one round

	numRunStates
)

func (s RunState) String() string {
	switch s {
	case StateBlocked:
		return "Blocked"
	case StateRunnable:
		return "Runnable"
	case StateQueued:
		return "Queued"
	case StateOnCPU:
		return "OnCpu"
	case StateYielding:
		return "Yielding"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

func (s RunState) valid() bool { return s >= StateBlocked && s < numRunStates }

// ParseRunState maps a state name back to its RunState. Matching ignores
// case; "oncpu" and "on_cpu" are both accepted.
func ParseRunState(name string) (RunState, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "blocked":
		return StateBlocked, nil
	case "runnable":
		return StateRunnable, nil
	case "queued":
		return StateQueued, nil
	case "oncpu":
		return StateOnCPU, nil
	case "yielding":
		return StateYielding, nil
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnknownState)
}

// Task is one schedulable unit, owned by exactly one scheduler instance at a
// time.
type Task struct {
	Gtid kernel.Gtid

	state RunState
	cpu   int // valid only while StateOnCPU
	// per-cpu mode: cpu whose run queue and channel own the task. Agents
	// of other cpus read it when picking their blocked tasks.
	home atomic.Int32

	// preempted is set when the last execution was cut short; prioBoost when
	// the task may hold something others wait on (a non-deferrable wakeup or
	// a lost commit race). Either one queues the task at the front.
	preempted bool
	prioBoost bool

	seqnum kernel.BarrierToken
	metric *Metric
}

func newTask(gtid kernel.Gtid, seqnum kernel.BarrierToken, now time.Time) *Task {
	t := &Task{
		Gtid:   gtid,
		state:  StateBlocked,
		cpu:    -1,
		seqnum: seqnum,
		metric: newMetric(gtid, now),
	}
	t.home.Store(-1)
	return t
}

func (t *Task) State() RunState             { return t.state }
func (t *Task) CPU() int                    { return t.cpu }
func (t *Task) Home() int                   { return int(t.home.Load()) }
func (t *Task) Seqnum() kernel.BarrierToken { return t.seqnum }
func (t *Task) Preempted() bool             { return t.preempted }
func (t *Task) PrioBoost() bool             { return t.prioBoost }
func (t *Task) Metric() *Metric             { return t.metric }
func (t *Task) blocked() bool               { return t.state == StateBlocked }
func (t *Task) runnable() bool              { return t.state == StateRunnable }
func (t *Task) queued() bool                { return t.state == StateQueued }
func (t *Task) onCPU() bool                 { return t.state == StateOnCPU }
func (t *Task) yielding() bool              { return t.state == StateYielding }
func (t *Task) front() bool                 { return t.prioBoost || t.preempted }
func (t *Task) setHome(cpu int)             { t.home.Store(int32(cpu)) }

// setState moves the task to s and attributes the time spent in the
// previous state to its metric.
func (t *Task) setState(s RunState, now time.Time) error {
	if err := t.metric.Enter(s, now); err != nil {
		return fmt.Errorf("%s: %w", t.Gtid, err)
	}
	t.state = s
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("%s state:%s cpu:%d", t.Gtid, t.state, t.cpu)
}
