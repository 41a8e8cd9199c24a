// internal/sched/supervisor.go

package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orcasched/internal/kernel"
	"orcasched/internal/topology"
)

// Operational RPC codes.
const (
	RPCDebugRunqueue = 1
	RPCCountAllTasks = 2
)

// MetricsReporter receives every metric batch collected on a profiling edge.
// It is called from an agent goroutine and must not block.
type MetricsReporter interface {
	ReportMetrics(snaps []MetricSnapshot)
}

type Option func(*Supervisor)

func WithLogger(log *zap.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithReporter(r MetricsReporter) Option {
	return func(s *Supervisor) { s.reporter = r }
}

// WithMetricsWriter prints every collected metric to w in verbose mode.
func WithMetricsWriter(w io.Writer) Option {
	return func(s *Supervisor) { s.metricsOut = w }
}

// Supervisor owns one agent per cpu and both scheduler instances. The
// active policy is a shared selector read by every agent at the top of a
// round, so switching needs no agent restart.
type Supervisor struct {
	enclave kernel.Enclave
	cfg     Config
	log     *zap.Logger

	cpus     *topology.CPUList
	profiler int
	perCPU   *PerCPUScheduler
	central  *CentralizedScheduler
	agents   []*agent

	policy     atomic.Int32
	generation atomic.Uint64
	// switchMu serializes SwitchTo against itself and against Stop.
	switchMu      sync.Mutex
	finished      atomic.Bool
	debugRunqueue atomic.Bool

	reporter   MetricsReporter
	metricsOut io.Writer

	started atomic.Bool
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewSupervisor builds both scheduler instances over the enclave cpus that
// cfg selects. Nothing runs until Start.
func NewSupervisor(enclave kernel.Enclave, cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.Sanitize()
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	cpus, global, profiler, err := cfg.resolve(enclave.CPUs())
	if err != nil {
		return nil, err
	}

	s := &Supervisor{enclave: enclave, cfg: cfg, cpus: cpus, profiler: profiler}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.perCPU = NewPerCPUScheduler(enclave, cpus, s.log)
	s.central = NewCentralizedScheduler(enclave, cpus, global, cfg.PreemptionInterval(), cfg.MigrationPeriod, s.log)
	s.perCPU.bind(s.central)
	s.central.bind(s.perCPU)
	s.policy.Store(int32(policy))

	// the global cpu's agent is visited first on every fan-out
	s.agents = append(s.agents, newAgent(s, global))
	for _, id := range cpus.IDs() {
		if id != global {
			s.agents = append(s.agents, newAgent(s, id))
		}
	}
	return s, nil
}

func (s *Supervisor) Policy() Policy     { return Policy(s.policy.Load()) }
func (s *Supervisor) Generation() uint64 { return s.generation.Load() }

func (s *Supervisor) CPUs() *topology.CPUList {
	return s.cpus.Clone()
}

// GlobalCPU is the current global cpu of the centralized instance. It only
// moves while that instance is active.
func (s *Supervisor) GlobalCPU() int { return s.central.GlobalCPU() }

func (s *Supervisor) PerCPU() *PerCPUScheduler           { return s.perCPU }
func (s *Supervisor) Centralized() *CentralizedScheduler { return s.central }

// instances returns the active and the inactive instance.
func (s *Supervisor) instances() (active, inactive instance) {
	if s.Policy() == PolicyCentralized {
		return s.central, s.perCPU
	}
	return s.perCPU, s.central
}

// Start installs the initial policy's channel as the enclave default and
// launches the agents. The initial instance keeps admitting new tasks for
// the lifetime of the supervisor; after a switch it hands them over.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("sched: supervisor already started")
	}
	if s.Policy() == PolicyCentralized {
		s.enclave.SetDefaultChannel(s.central.DefaultChannel())
	} else {
		s.enclave.SetDefaultChannel(s.perCPU.DefaultChannel())
	}

	ctx, s.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	for _, a := range s.agents {
		g.Go(func() error { return a.run(ctx) })
	}
	s.log.Info("agents started",
		zap.Stringer("policy", s.Policy()),
		zap.Stringer("cpus", s.cpus),
		zap.Int("global_cpu", s.central.GlobalCPU()),
		zap.Int("profiler_cpu", s.profiler))
	return nil
}

// Wait blocks until every agent has left its loop.
func (s *Supervisor) Wait() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	return s.group.Wait()
}

// Stop sets the finished flag and waits for the agents to drain their
// queues. When ctx expires first the agents are cancelled.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.switchMu.Lock()
	s.finished.Store(true)
	s.switchMu.Unlock()
	s.pingAgents()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.log.Warn("agents did not drain in time, cancelling")
		s.cancel()
		<-done
		return fmt.Errorf("stop: %w", ctx.Err())
	}
}

// SwitchTo makes p the active policy. Tasks of the other instance move over
// as its agents drain it; AwaitQuiescence waits for that to finish.
func (s *Supervisor) SwitchTo(p Policy) error {
	if !p.valid() {
		return fmt.Errorf("switch to %s: %w", p, ErrUnknownPolicy)
	}
	if s.finished.Load() {
		return ErrShuttingDown
	}
	if !s.switchMu.TryLock() {
		return ErrSwitchInProgress
	}
	defer s.switchMu.Unlock()
	if s.finished.Load() {
		return ErrShuttingDown
	}
	prev := s.Policy()
	if prev == p {
		return fmt.Errorf("switch to %s: %w", p, ErrPolicyActive)
	}

	s.policy.Store(int32(p))
	gen := s.generation.Add(1)
	s.log.Info("policy switched",
		zap.Stringer("from", prev),
		zap.Stringer("to", p),
		zap.Uint64("generation", gen))
	s.pingAgents()
	return nil
}

// SetPreemptionInterval updates the centralized instance's preemption
// interval. Negative never preempts.
func (s *Supervisor) SetPreemptionInterval(d time.Duration) {
	s.central.SetPreemptionInterval(d)
	s.log.Info("preemption interval", zap.Duration("interval", d))
}

// AwaitQuiescence blocks until every agent has run a round at the current
// generation and the inactive instance holds no tasks.
func (s *Supervisor) AwaitQuiescence(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		if s.quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("await quiescence: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

func (s *Supervisor) quiescent() bool {
	gen := s.generation.Load()
	for _, a := range s.agents {
		if a.generation.Load() < gen {
			return false
		}
	}
	_, inactive := s.instances()
	return inactive.NumTasks() == 0
}

// RPC dispatches an operational request from the host process. Unknown
// codes return -1.
func (s *Supervisor) RPC(code int) int64 {
	switch code {
	case RPCDebugRunqueue:
		s.DebugRunqueue()
		return 0
	case RPCCountAllTasks:
		return int64(s.CountAllTasks())
	default:
		return -1
	}
}

// DebugRunqueue dumps every task on the next debug edge.
func (s *Supervisor) DebugRunqueue() { s.debugRunqueue.Store(true) }

func (s *Supervisor) CountAllTasks() int {
	return s.perCPU.NumTasks() + s.central.NumTasks()
}

func (s *Supervisor) pingAgents() {
	for _, a := range s.agents {
		if err := s.enclave.Ping(a.cpu); err != nil {
			s.log.Debug("ping agent", zap.Int("cpu", a.cpu), zap.Error(err))
		}
	}
}

// reportingCPU is the cpu whose agent collects metrics: the profiler cpu,
// or the global cpu while the centralized instance is active.
func (s *Supervisor) reportingCPU(active instance) int {
	if active.Policy() == PolicyCentralized {
		return s.central.GlobalCPU()
	}
	return s.profiler
}

func (s *Supervisor) report() {
	snaps := mergeSnapshots(append(s.perCPU.collectMetrics(), s.central.collectMetrics()...))
	if len(snaps) == 0 {
		return
	}
	if s.reporter != nil {
		s.reporter.ReportMetrics(snaps)
	}
	if s.metricsOut != nil && s.cfg.Verbose > 0 {
		for _, snap := range snaps {
			snap.Print(s.metricsOut)
		}
	}
}
