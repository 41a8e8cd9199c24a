// Package sim is an in-memory enclave. It plays the kernel's part of the
// scheduling interface: it tracks tasks and their barriers, routes lifecycle
// messages to channels, validates run request commits and wakes agents.
//
// A workload drives it through Spawn, Wakeup, Block, Yield, Preempt, Exit and
// Depart; tests inject faults with SetAvailable, SetBoosted and FailCommits.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

// Options tune an Enclave. The zero value is usable.
type Options struct {
	// YieldTimeout bounds LocalYield. Defaults to 2ms.
	YieldTimeout time.Duration
	// Now is the clock used for runtime accounting. Defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

type taskState int

const (
	taskBlocked taskState = iota
	taskRunnable
	taskRunning
)

type task struct {
	gtid    kernel.Gtid
	state   taskState
	barrier kernel.BarrierToken
	cpu     int
	channel *Channel
	since   time.Time
	runtime time.Duration
}

type cpuState struct {
	id          int
	current     *task
	avail       bool
	boosted     bool
	barrier     kernel.BarrierToken
	wake        chan struct{}
	req         *runRequest
	failCommits int
	pings       int
}

// Enclave implements kernel.Enclave in memory.
type Enclave struct {
	mu    sync.Mutex
	topo  *topology.Topology
	cpus  *topology.CPUList
	tasks *treemap.Map // kernel.Gtid -> *task
	next  kernel.Gtid
	def   *Channel
	cpu   map[int]*cpuState
	opts  Options
	log   *zap.Logger
}

var _ kernel.Enclave = (*Enclave)(nil)

// New creates an enclave over the given CPUs of topo. Every CPU starts
// available.
func New(topo *topology.Topology, cpus *topology.CPUList, opts Options) *Enclave {
	if opts.YieldTimeout <= 0 {
		opts.YieldTimeout = 2 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	e := &Enclave{
		topo:  topo,
		cpus:  cpus.Clone(),
		tasks: treemap.NewWith(cmpGtid),
		cpu:   make(map[int]*cpuState, cpus.Size()),
		opts:  opts,
		log:   opts.Logger.Named("sim"),
	}
	for _, id := range cpus.IDs() {
		cs := &cpuState{id: id, avail: true, wake: make(chan struct{}, 1)}
		cs.req = &runRequest{e: e, cpu: id}
		e.cpu[id] = cs
	}
	return e
}

func (e *Enclave) Topology() *topology.Topology { return e.topo }
func (e *Enclave) CPUs() *topology.CPUList      { return e.cpus.Clone() }

func (e *Enclave) MakeChannel(cpu int) kernel.Channel {
	return &Channel{e: e, wakeCPU: cpu}
}

func (e *Enclave) SetDefaultChannel(ch kernel.Channel) {
	c, ok := ch.(*Channel)
	if !ok {
		panic(fmt.Sprintf("sim: foreign channel %T", ch))
	}
	e.mu.Lock()
	e.def = c
	e.mu.Unlock()
}

func (e *Enclave) TaskStatus(gtid kernel.Gtid) (kernel.TaskStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.taskLocked(gtid)
	if t == nil {
		return kernel.TaskStatus{}, false
	}
	st := kernel.TaskStatus{Barrier: t.barrier, OnCPU: t.state == taskRunning, Runtime: t.runtime}
	if t.state == taskRunning {
		st.Runtime += e.opts.Now().Sub(t.since)
	}
	return st, true
}

func (e *Enclave) AgentStatus(cpu int) kernel.AgentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.cpu[cpu]
	if !ok {
		return kernel.AgentStatus{}
	}
	return kernel.AgentStatus{Barrier: cs.barrier, Available: cs.avail, BoostedPriority: cs.boosted}
}

func (e *Enclave) RunRequest(cpu int) kernel.RunRequest {
	cs, ok := e.cpu[cpu]
	if !ok {
		panic(fmt.Sprintf("sim: no cpu %d in enclave", cpu))
	}
	return cs.req
}

func (e *Enclave) CommitRunRequests(cpus *topology.CPUList) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range cpus.IDs() {
		if cs, ok := e.cpu[id]; ok {
			e.commitLocked(cs)
		}
	}
}

// Ping wakes the agent of cpu. The woken agent takes the CPU, so a task
// running there is preempted.
func (e *Enclave) Ping(cpu int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.cpu[cpu]
	if !ok {
		return fmt.Errorf("sim: ping: no cpu %d", cpu)
	}
	cs.pings++
	if t := cs.current; t != nil {
		e.offCPULocked(t)
		t.state = taskRunnable
		e.postLocked(t, kernel.Message{Type: kernel.MsgTaskPreempted, CPU: cpu})
	}
	e.wakeLocked(cpu)
	return nil
}

func (e *Enclave) LocalYield(ctx context.Context, cpu int, barrier kernel.BarrierToken) error {
	e.mu.Lock()
	cs, ok := e.cpu[cpu]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("sim: local yield: no cpu %d", cpu)
	}
	stale := cs.barrier != barrier
	e.mu.Unlock()
	if stale {
		return nil
	}

	timer := time.NewTimer(e.opts.YieldTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cs.wake:
	case <-timer.C:
	}
	return nil
}

func (e *Enclave) commitLocked(cs *cpuState) {
	r := cs.req
	if !r.open {
		r.succeeded = false
		return
	}
	r.open = false
	r.succeeded = e.tryCommitLocked(cs, r.opts)
	r.commits++
}

func (e *Enclave) tryCommitLocked(cs *cpuState, opts kernel.RunRequestOptions) bool {
	if cs.failCommits > 0 {
		cs.failCommits--
		return false
	}
	if !cs.avail {
		return false
	}
	t := e.taskLocked(opts.Target)
	if t == nil || t.barrier != opts.TargetBarrier || t.state == taskBlocked {
		return false
	}
	if t.state == taskRunning && t.cpu != cs.id {
		return false
	}
	if prev := cs.current; prev != nil && prev != t {
		e.offCPULocked(prev)
		prev.state = taskRunnable
		e.postLocked(prev, kernel.Message{Type: kernel.MsgTaskPreempted, CPU: cs.id})
	}
	if cs.current != t {
		t.state = taskRunning
		t.cpu = cs.id
		t.since = e.opts.Now()
		cs.current = t
	}
	return true
}

func (e *Enclave) offCPULocked(t *task) {
	if t.state != taskRunning {
		return
	}
	t.runtime += e.opts.Now().Sub(t.since)
	if cs, ok := e.cpu[t.cpu]; ok && cs.current == t {
		cs.current = nil
	}
	t.cpu = -1
}

func (e *Enclave) postLocked(t *task, msg kernel.Message) {
	t.barrier++
	msg.Gtid = t.gtid
	msg.Seqnum = t.barrier
	ch := t.channel
	if ch == nil {
		ch = e.def
	}
	if ch == nil {
		e.log.Warn("dropping message, no default channel", zap.Stringer("type", msg.Type), zap.Stringer("gtid", t.gtid))
		return
	}
	e.wakeLocked(ch.push(msg))
}

func (e *Enclave) wakeLocked(cpu int) {
	cs, ok := e.cpu[cpu]
	if !ok {
		return
	}
	cs.barrier++
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (e *Enclave) taskLocked(gtid kernel.Gtid) *task {
	v, ok := e.tasks.Get(gtid)
	if !ok {
		return nil
	}
	return v.(*task)
}

func cmpGtid(a, b any) int {
	x, y := a.(kernel.Gtid), b.(kernel.Gtid)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

type runRequest struct {
	e         *Enclave
	cpu       int
	opts      kernel.RunRequestOptions
	open      bool
	succeeded bool
	commits   int
}

func (r *runRequest) Open(opts kernel.RunRequestOptions) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	r.opts = opts
	r.open = true
	r.succeeded = false
}

func (r *runRequest) Commit() bool {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	r.e.commitLocked(r.e.cpu[r.cpu])
	return r.succeeded
}

func (r *runRequest) Succeeded() bool {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.succeeded
}

// Channel is a FIFO of lifecycle messages.
type Channel struct {
	e       *Enclave
	mu      sync.Mutex
	wakeCPU int
	msgs    []kernel.Message
}

var _ kernel.Channel = (*Channel)(nil)

func (c *Channel) Peek() (kernel.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return kernel.Message{}, false
	}
	return c.msgs[0], true
}

func (c *Channel) Consume(msg kernel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) > 0 && c.msgs[0] == msg {
		c.msgs = c.msgs[1:]
	}
}

func (c *Channel) AssociateTask(gtid kernel.Gtid, barrier kernel.BarrierToken) error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	t := c.e.taskLocked(gtid)
	if t == nil {
		return fmt.Errorf("associate %s: %w", gtid, kernel.ErrUnknownTask)
	}
	if t.barrier != barrier {
		return fmt.Errorf("associate %s at %d (now %d): %w", gtid, barrier, t.barrier, kernel.ErrStaleBarrier)
	}
	t.channel = c
	return nil
}

func (c *Channel) SetWakeupCPU(cpu int) {
	c.mu.Lock()
	c.wakeCPU = cpu
	c.mu.Unlock()
}

// Len returns the number of unconsumed messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *Channel) push(msg kernel.Message) (wakeCPU int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.wakeCPU
}
