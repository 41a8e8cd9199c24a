// orcactl talks to a running fifoagent: it switches the scheduling policy,
// sends ingress hints and watches the reported metrics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orcasched/internal/config"
	"orcasched/internal/observability"
)

var (
	flagAddr        string
	flagMetricsAddr string
	flagLogLevel    string
	flagLogFormat   string

	logger *zap.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	def := config.Default().Control
	root := &cobra.Command{
		Use:   "orcactl",
		Short: "Control plane for fifoagent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = observability.SetupLogger(config.LogConfig{
				Level:   flagLogLevel,
				Format:  flagLogFormat,
				Outputs: []string{"stderr"},
			})
			return err
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagAddr, "addr", def.Listen, "fifoagent control address (tcp)")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", def.MetricsAddr, "Metrics and hints address (udp)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "Log format (console, json)")

	root.AddCommand(
		newSetschedCmd(),
		newHintCmd(),
		newMonitorCmd(),
	)
	return root
}
