package sim

import (
	"errors"
	"fmt"
	"time"

	"orcasched/internal/kernel"
)

// ErrBadTransition is returned when a workload operation does not apply to
// the task's current kernel state.
var ErrBadTransition = errors.New("sim: bad task transition")

// Spawn creates a task and posts TaskNew for it.
func (e *Enclave) Spawn(runnable bool) kernel.Gtid {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	t := &task{gtid: e.next, state: taskBlocked, cpu: -1}
	if runnable {
		t.state = taskRunnable
	}
	e.tasks.Put(t.gtid, t)
	e.postLocked(t, kernel.Message{Type: kernel.MsgTaskNew, CPU: -1, Runnable: runnable})
	return t.gtid
}

// Wakeup makes a blocked task runnable.
func (e *Enclave) Wakeup(gtid kernel.Gtid, deferrable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.expectLocked(gtid, taskBlocked)
	if err != nil {
		return err
	}
	t.state = taskRunnable
	e.postLocked(t, kernel.Message{Type: kernel.MsgTaskRunnable, CPU: -1, Deferrable: deferrable})
	return nil
}

// Block takes a running task off its CPU and blocks it.
func (e *Enclave) Block(gtid kernel.Gtid) error {
	return e.offCPU(gtid, taskBlocked, kernel.MsgTaskBlocked)
}

// Yield takes a running task off its CPU voluntarily.
func (e *Enclave) Yield(gtid kernel.Gtid) error {
	return e.offCPU(gtid, taskRunnable, kernel.MsgTaskYield)
}

// Preempt takes a running task off its CPU involuntarily.
func (e *Enclave) Preempt(gtid kernel.Gtid) error {
	return e.offCPU(gtid, taskRunnable, kernel.MsgTaskPreempted)
}

// Exit terminates a running or blocked task. A running task is reported
// blocked before it is reported dead.
func (e *Enclave) Exit(gtid kernel.Gtid) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.taskLocked(gtid)
	if t == nil {
		return fmt.Errorf("exit %s: %w", gtid, kernel.ErrUnknownTask)
	}
	switch t.state {
	case taskRunning:
		cpu := t.cpu
		e.offCPULocked(t)
		t.state = taskBlocked
		e.postLocked(t, kernel.Message{Type: kernel.MsgTaskBlocked, CPU: cpu})
	case taskRunnable:
		return fmt.Errorf("exit %s while runnable: %w", gtid, ErrBadTransition)
	}
	e.postLocked(t, kernel.Message{Type: kernel.MsgTaskDead, CPU: -1})
	e.tasks.Remove(gtid)
	return nil
}

// Depart moves a task out of the enclave, whatever its state.
func (e *Enclave) Depart(gtid kernel.Gtid) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.taskLocked(gtid)
	if t == nil {
		return fmt.Errorf("depart %s: %w", gtid, kernel.ErrUnknownTask)
	}
	cpu := t.cpu
	e.offCPULocked(t)
	e.postLocked(t, kernel.Message{Type: kernel.MsgTaskDeparted, CPU: cpu})
	e.tasks.Remove(gtid)
	return nil
}

// SetAvailable marks cpu as usable by the enclave or taken by a higher
// priority class. Taking the CPU away preempts the task running there.
func (e *Enclave) SetAvailable(cpu int, avail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.cpu[cpu]
	if !ok {
		return
	}
	cs.avail = avail
	if !avail && cs.current != nil {
		t := cs.current
		e.offCPULocked(t)
		t.state = taskRunnable
		e.postLocked(t, kernel.Message{Type: kernel.MsgTaskPreempted, CPU: cpu})
	}
	e.wakeLocked(cpu)
}

// SetBoosted sets the boosted priority bit of cpu's agent status word.
func (e *Enclave) SetBoosted(cpu int, boosted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.cpu[cpu]; ok {
		cs.boosted = boosted
		e.wakeLocked(cpu)
	}
}

// FailCommits makes the next n commits on cpu fail.
func (e *Enclave) FailCommits(cpu, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.cpu[cpu]; ok {
		cs.failCommits = n
	}
}

// Running describes a task currently on a CPU.
type Running struct {
	Gtid  kernel.Gtid
	CPU   int
	Slice time.Duration // time since the task was put on the CPU
}

// Running lists the tasks on CPU, in gtid order.
func (e *Enclave) Running() []Running {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now()
	var out []Running
	it := e.tasks.Iterator()
	for it.Next() {
		t := it.Value().(*task)
		if t.state == taskRunning {
			out = append(out, Running{Gtid: t.gtid, CPU: t.cpu, Slice: now.Sub(t.since)})
		}
	}
	return out
}

// Current returns the task running on cpu.
func (e *Enclave) Current(cpu int) (kernel.Gtid, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.cpu[cpu]
	if !ok || cs.current == nil {
		return 0, false
	}
	return cs.current.gtid, true
}

// Pings returns how many times cpu's agent was pinged.
func (e *Enclave) Pings(cpu int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.cpu[cpu]; ok {
		return cs.pings
	}
	return 0
}

// NumTasks returns the number of tasks the enclave tracks.
func (e *Enclave) NumTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Size()
}

func (e *Enclave) offCPU(gtid kernel.Gtid, to taskState, typ kernel.MessageType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.expectLocked(gtid, taskRunning)
	if err != nil {
		return err
	}
	cpu := t.cpu
	e.offCPULocked(t)
	t.state = to
	e.postLocked(t, kernel.Message{Type: typ, CPU: cpu})
	return nil
}

func (e *Enclave) expectLocked(gtid kernel.Gtid, want taskState) (*task, error) {
	t := e.taskLocked(gtid)
	if t == nil {
		return nil, fmt.Errorf("%s: %w", gtid, kernel.ErrUnknownTask)
	}
	if t.state != want {
		return nil, fmt.Errorf("%s in state %d, want %d: %w", gtid, t.state, want, ErrBadTransition)
	}
	return t, nil
}
