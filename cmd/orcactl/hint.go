package main

import (
	"github.com/spf13/cobra"

	"orcasched/internal/control"
)

func newHintCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "hint <short|long>",
		Short: "Report incoming requests by length class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := control.ParseHintKind(args[0])
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				if err := control.SendHintTo(flagMetricsAddr, k); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of hints to send")
	return cmd
}
