// Package job drives synthetic tasks through a simulated enclave. Each task
// alternates between a cpu burst, measured in runtime the scheduler actually
// granted it, and a blocked think phase, then exits.
package job

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orcasched/internal/control"
	"orcasched/internal/kernel"
	"orcasched/internal/kernel/sim"
)

// Config mirrors the `sim.workload` section of the agent's YAML file.
type Config struct {
	Tasks        int     `yaml:"tasks"`      // 0 = no workload
	Iterations   int     `yaml:"iterations"` // bursts per task
	ShortBurstUS int     `yaml:"short_burst_us"`
	LongBurstUS  int     `yaml:"long_burst_us"`
	LongFraction float64 `yaml:"long_fraction"`
	ThinkUS      int     `yaml:"think_us"`
	PollUS       int     `yaml:"poll_us"`
	Seed         uint64  `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Iterations:   10,
		ShortBurstUS: 50,
		LongBurstUS:  5000,
		LongFraction: 0.05,
		ThinkUS:      200,
		PollUS:       50,
		Seed:         1,
	}
}

// Sanitize clamps out-of-range values back to their defaults.
func (c *Config) Sanitize() {
	def := DefaultConfig()
	if c.Tasks < 0 {
		c.Tasks = 0
	}
	if c.Iterations <= 0 {
		c.Iterations = def.Iterations
	}
	if c.ShortBurstUS <= 0 {
		c.ShortBurstUS = def.ShortBurstUS
	}
	if c.LongBurstUS < c.ShortBurstUS {
		c.LongBurstUS = c.ShortBurstUS
	}
	if c.LongFraction < 0 || c.LongFraction > 1 {
		c.LongFraction = def.LongFraction
	}
	if c.ThinkUS < 0 {
		c.ThinkUS = 0
	}
	if c.PollUS <= 0 {
		c.PollUS = def.PollUS
	}
}

// Workload is the part of the simulated enclave a driver acts through.
type Workload interface {
	Spawn(runnable bool) kernel.Gtid
	Wakeup(gtid kernel.Gtid, deferrable bool) error
	Block(gtid kernel.Gtid) error
	Exit(gtid kernel.Gtid) error
	Depart(gtid kernel.Gtid) error
	TaskStatus(gtid kernel.Gtid) (kernel.TaskStatus, bool)
}

// HintSink receives one hint per burst, classifying it before it runs.
type HintSink interface {
	SendHint(k control.HintKind)
}

type Driver struct {
	w     Workload
	cfg   Config
	hints HintSink
	log   *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	spawned  atomic.Int64
	finished atomic.Int64
}

// NewDriver prepares cfg.Tasks tasks; hints may be nil.
func NewDriver(w Workload, cfg Config, hints HintSink, log *zap.Logger) *Driver {
	cfg.Sanitize()
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		w:     w,
		cfg:   cfg,
		hints: hints,
		log:   log.Named("job"),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Run spawns every task and returns once they have all exited. When ctx is
// done first the remaining tasks depart the enclave and Run returns the
// context's error.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Tasks; i++ {
		g.Go(func() error { return d.runTask(ctx) })
	}
	err := g.Wait()
	d.log.Info("workload done",
		zap.Int64("spawned", d.spawned.Load()),
		zap.Int64("finished", d.finished.Load()),
		zap.Error(err))
	return err
}

// Counts returns how many tasks were spawned and how many exited.
func (d *Driver) Counts() (spawned, finished int64) {
	return d.spawned.Load(), d.finished.Load()
}

func (d *Driver) poll() time.Duration  { return time.Duration(d.cfg.PollUS) * time.Microsecond }
func (d *Driver) think() time.Duration { return time.Duration(d.cfg.ThinkUS) * time.Microsecond }

// nextBurst draws the next burst length and announces it.
func (d *Driver) nextBurst() time.Duration {
	d.mu.Lock()
	long := d.rng.Float64() < d.cfg.LongFraction
	d.mu.Unlock()

	kind, us := control.HintShort, d.cfg.ShortBurstUS
	if long {
		kind, us = control.HintLong, d.cfg.LongBurstUS
	}
	if d.hints != nil {
		d.hints.SendHint(kind)
	}
	return time.Duration(us) * time.Microsecond
}

func (d *Driver) runTask(ctx context.Context) error {
	burst := d.nextBurst()
	g := d.w.Spawn(true)
	d.spawned.Add(1)
	log := d.log.With(zap.Stringer("task", g))
	log.Debug("spawned", zap.Duration("burst", burst))

	var target time.Duration
	for i := 0; ; i++ {
		target += burst
		err := waitUntil(ctx, d.poll(), func() bool {
			st, ok := d.w.TaskStatus(g)
			return !ok || st.Runtime >= target
		})
		if err != nil {
			return d.abandon(g, err)
		}
		if i == d.cfg.Iterations-1 {
			break
		}
		if err := d.offCPU(ctx, g, d.w.Block); err != nil {
			return d.abandon(g, err)
		}
		if err := Think(d.think())(ctx); err != nil {
			return d.abandon(g, err)
		}
		burst = d.nextBurst()
		if err := d.w.Wakeup(g, false); err != nil {
			return err
		}
	}
	if err := d.offCPU(ctx, g, d.w.Exit); err != nil {
		return d.abandon(g, err)
	}
	d.finished.Add(1)
	log.Debug("exited", zap.Duration("runtime", target))
	return nil
}

// offCPU applies op once the task is in a state that allows it. A task
// that was preempted after its burst ended has to be running again first.
func (d *Driver) offCPU(ctx context.Context, g kernel.Gtid, op func(kernel.Gtid) error) error {
	var err error
	werr := waitUntil(ctx, d.poll(), func() bool {
		err = op(g)
		return !errors.Is(err, sim.ErrBadTransition)
	})
	if werr != nil {
		return werr
	}
	return err
}

func (d *Driver) abandon(g kernel.Gtid, err error) error {
	if derr := d.w.Depart(g); derr != nil && !errors.Is(derr, kernel.ErrUnknownTask) {
		d.log.Warn("depart", zap.Stringer("task", g), zap.Error(derr))
	}
	return err
}
