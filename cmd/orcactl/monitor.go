package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orcasched/internal/control"
)

func newMonitorCmd() *cobra.Command {
	var (
		period  time.Duration
		apply   bool
		current string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Receive metrics and hints, and suggest a policy",
		Long: `Listens on --metrics-addr for the agent's metric datagrams and for ingress
hints. Every period it prints the advisor's suggestion and starts a new
window. With --apply a suggestion that differs from the current policy is
sent to the agent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cur, err := control.ParseSchedType(current)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			adv := control.NewAdvisor(logger)
			mon, err := control.NewMonitor(flagMetricsAddr, adv, logger)
			if err != nil {
				return err
			}
			mon.OnMetric = func(m control.Metric) {
				logger.Debug("metric",
					zap.Int64("gtid", m.Gtid),
					zap.Int64("created_at_us", m.CreatedAtUS),
					zap.Int64("block_time_us", m.BlockedUS),
					zap.Int64("runnable_time_us", m.RunnableUS),
					zap.Int64("queued_time_us", m.QueuedUS),
					zap.Int64("on_cpu_time_us", m.OnCPUUS),
					zap.Int64("yielding_time_us", m.YieldingUS),
					zap.Int64("died_at_us", m.DiedAtUS),
					zap.Int64("preempt_count", m.PreemptCount))
			}
			mon.Start(ctx)
			logger.Info("monitoring", zap.Stringer("addr", mon.Addr()), zap.Stringer("current", cur))

			tick := time.NewTicker(period)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					mon.Wait()
					metrics, hints, invalid := mon.Stats()
					logger.Info("monitor stopped",
						zap.Uint64("metrics", metrics),
						zap.Uint64("hints", hints),
						zap.Uint64("invalid", invalid))
					return nil
				case <-tick.C:
				}
				short, long, n := adv.Counts()
				s := adv.Suggest(cur)
				adv.Clear()
				fmt.Fprintf(cmd.OutOrStdout(), "suggest %s preemption_us=%d (short=%d long=%d metrics=%d)\n",
					s.Type, s.PreemptionIntervalUS, short, long, n)
				if !apply || s.Type == cur {
					continue
				}
				sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := control.SetSchedulerAt(sctx, flagAddr, s)
				cancel()
				if err != nil {
					logger.Warn("apply suggestion", zap.Stringer("type", s.Type), zap.Error(err))
					continue
				}
				logger.Info("policy applied", zap.Stringer("from", cur), zap.Stringer("to", s.Type))
				cur = s.Type
			}
		},
	}
	cmd.Flags().DurationVar(&period, "period", 5*time.Second, "Length of one observation window")
	cmd.Flags().BoolVar(&apply, "apply", false, "Send suggestions that change the policy to the agent")
	cmd.Flags().StringVar(&current, "current", "dfifo", "Policy the agent is running (dfifo, cfifo)")
	return cmd
}
