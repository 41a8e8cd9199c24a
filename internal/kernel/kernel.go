// Package kernel declares the kernel scheduling interface consumed by the
// schedulers: lifecycle messages, status words, message channels and the
// transactional run requests used to place a task on a CPU.
//
// The package holds no implementation. internal/kernel/sim provides an
// in-memory enclave for tests and simulated runs.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orcasched/internal/topology"
)

var (
	// ErrStaleBarrier is returned when an operation names a barrier that no
	// longer matches the task: there are lifecycle messages the caller has
	// not read yet.
	ErrStaleBarrier = errors.New("kernel: stale barrier")

	// ErrUnknownTask is returned for a gtid the kernel no longer tracks.
	ErrUnknownTask = errors.New("kernel: unknown task")
)

// Gtid identifies one schedulable task. It never changes for the lifetime of
// the task.
type Gtid int64

func (g Gtid) String() string { return fmt.Sprintf("gtid:%d", int64(g)) }

// BarrierToken is a per task (or per agent) sequence number. It advances with
// every message generated for its owner.
type BarrierToken uint64

// MessageType is the kind of a lifecycle message.
type MessageType int

const (
	MsgTaskNew MessageType = iota + 1
	MsgTaskRunnable
	MsgTaskBlocked
	MsgTaskPreempted
	MsgTaskYield
	MsgTaskDead
	MsgTaskDeparted
)

func (t MessageType) String() string {
	switch t {
	case MsgTaskNew:
		return "TaskNew"
	case MsgTaskRunnable:
		return "TaskRunnable"
	case MsgTaskBlocked:
		return "TaskBlocked"
	case MsgTaskPreempted:
		return "TaskPreempted"
	case MsgTaskYield:
		return "TaskYield"
	case MsgTaskDead:
		return "TaskDead"
	case MsgTaskDeparted:
		return "TaskDeparted"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is one task lifecycle event.
type Message struct {
	Type   MessageType
	Gtid   Gtid
	Seqnum BarrierToken
	CPU    int // cpu the event happened on, -1 if none

	Runnable   bool // TaskNew: the task is runnable at creation
	Deferrable bool // TaskRunnable: the wakeup may be deferred
}

// TaskStatus is the kernel-side view of a task.
type TaskStatus struct {
	Barrier BarrierToken
	OnCPU   bool          // still running (or being switched off) somewhere
	Runtime time.Duration // cumulative on-cpu time
}

// AgentStatus is the status word of the agent bound to one CPU.
type AgentStatus struct {
	Barrier BarrierToken
	// Available reports whether this scheduling class may run on the CPU; it
	// is false while a higher priority class occupies it.
	Available bool
	// BoostedPriority is set when the kernel wants the agent off the CPU so
	// another class can run.
	BoostedPriority bool
}

// CommitFlags select when an opened run request takes effect.
type CommitFlags int

const (
	// CommitAtTxnCommit applies the transaction when it is committed.
	CommitAtTxnCommit CommitFlags = 1 << iota
)

// RunRequestOptions describe one proposed task-to-CPU assignment.
type RunRequestOptions struct {
	Target        Gtid
	TargetBarrier BarrierToken
	AgentBarrier  BarrierToken
	CommitFlags   CommitFlags
}

// RunRequest is the per-CPU transaction object. At most one request per CPU
// is open at a time.
type RunRequest interface {
	Open(opts RunRequestOptions)
	// Commit commits this single request and reports success.
	Commit() bool
	// Succeeded reports the outcome of the last commit.
	Succeeded() bool
}

// Channel is a queue of lifecycle messages. Messages must be consumed in the
// order they are peeked.
type Channel interface {
	Peek() (Message, bool)
	Consume(msg Message)
	// AssociateTask routes future messages of gtid to this channel. It fails
	// with ErrStaleBarrier when barrier is not the task's current barrier.
	AssociateTask(gtid Gtid, barrier BarrierToken) error
	// SetWakeupCPU names the CPU whose agent is woken on new messages.
	SetWakeupCPU(cpu int)
}

// Enclave is the set of CPUs and tasks delegated to user space.
type Enclave interface {
	Topology() *topology.Topology
	CPUs() *topology.CPUList

	// MakeChannel creates a message channel that wakes the agent of cpu.
	MakeChannel(cpu int) Channel
	// SetDefaultChannel selects the channel receiving messages of tasks
	// that are not associated with any channel, TaskNew included.
	SetDefaultChannel(ch Channel)

	TaskStatus(gtid Gtid) (TaskStatus, bool)
	AgentStatus(cpu int) AgentStatus

	RunRequest(cpu int) RunRequest
	// CommitRunRequests commits the open requests of all cpus as one batch.
	CommitRunRequests(cpus *topology.CPUList)

	// Ping asynchronously wakes the agent of cpu.
	Ping(cpu int) error
	// LocalYield blocks the calling agent until its status barrier moves
	// past barrier, it is pinged, or ctx is done.
	LocalYield(ctx context.Context, cpu int, barrier BarrierToken) error
}
