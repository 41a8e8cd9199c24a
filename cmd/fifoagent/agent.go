package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orcasched/internal/config"
	"orcasched/internal/control"
	"orcasched/internal/job"
	"orcasched/internal/kernel/sim"
	"orcasched/internal/observability"
	"orcasched/internal/sched"
	"orcasched/internal/topology"
)

func buildTopology(c config.SimConfig) (*topology.Topology, error) {
	if c.Sysfs != "" {
		return topology.FromSysfs(c.Sysfs)
	}
	coresPerL3 := c.CoresPerL3
	if coresPerL3 == 0 {
		coresPerL3 = c.CPUs
	}
	return topology.Synthetic(c.CPUs, c.ThreadsPerCore, coresPerL3, c.L3PerNode), nil
}

func runAgent(cfg config.Config, oneshot bool, stopTimeout time.Duration) error {
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	topo, err := buildTopology(cfg.Sim)
	if err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	enclave := sim.New(topo, topo.All(), sim.Options{
		YieldTimeout: time.Duration(cfg.Sim.YieldTimeoutUS) * time.Microsecond,
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []sched.Option{sched.WithLogger(log), sched.WithMetricsWriter(os.Stdout)}
	var reporter *control.Reporter
	if cfg.Control.MetricsAddr != "" {
		reporter, err = control.NewReporter(ctx, cfg.Control.MetricsAddr, cfg.Control.QueueSize, log)
		if err != nil {
			return err
		}
		defer reporter.Close()
		opts = append(opts, sched.WithReporter(reporter))
	}

	sup, err := sched.NewSupervisor(enclave, cfg.Sched, opts...)
	if err != nil {
		return err
	}
	// agents outlive the signal: Stop lets them drain first
	if err := sup.Start(context.Background()); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			log.Error("stop agents", zap.Error(err))
		}
		log.Info("agents stopped", zap.Int("tasks_left", sup.CountAllTasks()))
	}()

	if cfg.Control.Listen != "" {
		srv, err := control.Listen(ctx, cfg.Control.Listen, sup, log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}
	fmt.Println("Initialization complete, ghOSt active.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchDebug(gctx, sup, log) })
	if cfg.Sim.Workload.Tasks > 0 {
		var hints job.HintSink
		if reporter != nil {
			hints = reporter
		}
		d := job.NewDriver(enclave, cfg.Sim.Workload, hints, log)
		g.Go(func() error {
			err := d.Run(gctx)
			if oneshot {
				stop()
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err = g.Wait()
	log.Info("shutting down", zap.Stringer("policy", sup.Policy()))
	return err
}

// watchDebug arms a full task dump on every debug signal.
func watchDebug(ctx context.Context, sup *sched.Supervisor, log *zap.Logger) error {
	if len(debugSignals) == 0 {
		<-ctx.Done()
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, debugSignals...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			sup.RPC(sched.RPCDebugRunqueue)
			log.Info("debug runqueue armed", zap.Int64("tasks", sup.RPC(sched.RPCCountAllTasks)))
		}
	}
}
