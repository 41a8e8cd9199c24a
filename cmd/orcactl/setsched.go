package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"orcasched/internal/control"
)

func newSetschedCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "setsched <dfifo|cfifo> [preemption_interval_us]",
		Short: "Switch the agent's scheduling policy",
		Long: `Sends SetScheduler and waits for the agent's Ack. The policy is read by its
first letter. A preemption interval of 0 or none leaves the agent's current
interval in place.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := parseSetsched(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := control.SetSchedulerAt(ctx, flagAddr, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", msg.Type)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the Ack")
	return cmd
}

func parseSetsched(args []string) (control.SetScheduler, error) {
	msg := control.SetScheduler{PreemptionIntervalUS: -1}
	t, err := control.ParseSchedType(args[0])
	if err != nil {
		return msg, err
	}
	msg.Type = t
	if len(args) > 1 {
		us, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return msg, fmt.Errorf("preemption interval %q: %w", args[1], err)
		}
		if us > 0 {
			msg.PreemptionIntervalUS = int32(us)
		}
	}
	return msg, nil
}
