package sched

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// agent is the scheduling loop bound to one cpu.
type agent struct {
	cpu int
	sup *Supervisor
	log *zap.Logger

	// generation is the last policy generation this agent ran a round at.
	generation atomic.Uint64

	profile *PeriodicEdge
	debug   *PeriodicEdge
}

func newAgent(s *Supervisor, cpu int) *agent {
	return &agent{
		cpu:     cpu,
		sup:     s,
		log:     s.log.Named("agent").With(zap.Int("cpu", cpu)),
		profile: NewPeriodicEdge(time.Duration(s.cfg.ProfilePeriodMS) * time.Millisecond),
		debug:   NewPeriodicEdge(time.Duration(s.cfg.DebugPeriodMS) * time.Millisecond),
	}
}

// run loops until the supervisor is finished and nothing this cpu is
// responsible for is queued, or until ctx is cancelled.
func (a *agent) run(ctx context.Context) error {
	if a.sup.cfg.PinAgents {
		if err := pinThread(a.cpu); err != nil {
			a.log.Warn("agent not pinned", zap.Error(err))
		}
	}
	a.log.Debug("agent running")
	defer a.log.Debug("agent done")

	for ctx.Err() == nil {
		if a.sup.finished.Load() && a.sup.perCPU.Empty(a.cpu) && a.sup.central.Empty(a.cpu) {
			return nil
		}
		// load the generation before the policy: a round is only credited
		// to a generation whose policy it is sure to have seen
		gen := a.sup.generation.Load()
		a.round(ctx)
		a.generation.Store(gen)
	}
	return nil
}

func (a *agent) round(ctx context.Context) {
	active, inactive := a.sup.instances()
	active.schedule(ctx, a.cpu)
	inactive.drain(a.cpu)

	if a.cpu == a.sup.reportingCPU(active) && a.profile.Edge() {
		a.sup.report()
	}
	if a.debug.Edge() {
		if active.Policy() == PolicyCentralized && a.cpu != a.sup.central.GlobalCPU() {
			return
		}
		all := a.sup.debugRunqueue.CompareAndSwap(true, false)
		active.dumpState(a.cpu, all, false)
	}
}
