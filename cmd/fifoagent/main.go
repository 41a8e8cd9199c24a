// fifoagent runs the FIFO scheduling agents over a simulated enclave and
// serves the control plane: SetScheduler commands switch the active policy,
// task metrics are reported on every profiling edge.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"orcasched/internal/config"
)

var (
	flagConfig       string
	flagPolicy       string
	flagCPUs         string
	flagGlobalCPU    int
	flagPreemptionUS int64
	flagLogLevel     string
	flagListen       string
	flagMetricsAddr  string
	flagSimCPUs      int
	flagTasks        int
	flagVerbose      int
	flagPin          bool
	flagOneshot      bool
	flagStopTimeout  time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fifoagent",
		Short: "Per-cpu and centralized FIFO scheduling agents with hot policy switch",
		Long: `fifoagent schedules the tasks of an enclave with one of two FIFO policies
and switches between them on command without losing tasks.

Examples:
  # per-cpu fifo on 8 simulated cpus with a synthetic workload
  fifoagent --sim-cpus 8 --tasks 32

  # start centralized, preempting every 500us
  fifoagent --policy centralized --preemption-us 500`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runAgent(cfg, flagOneshot, flagStopTimeout)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&flagConfig, "config", "c", "fifoagent.yml", "YAML config file (missing file = defaults)")
	f.StringVar(&flagPolicy, "policy", "", "Initial policy (percpu, centralized)")
	f.StringVar(&flagCPUs, "cpus", "", "Managed cpus as a cpulist, e.g. 0-3,8")
	f.IntVar(&flagGlobalCPU, "global-cpu", -1, "Initial global cpu of the centralized policy")
	f.Int64Var(&flagPreemptionUS, "preemption-us", -1, "Centralized preemption interval in us (<0 = never)")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagListen, "listen", "", "Control server address (tcp)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "Metrics destination (udp)")
	f.IntVar(&flagSimCPUs, "sim-cpus", 0, "Number of simulated cpus")
	f.IntVar(&flagTasks, "tasks", 0, "Synthetic tasks to run")
	f.CountVarP(&flagVerbose, "verbose", "v", "Print every reported metric (repeatable)")
	f.BoolVar(&flagPin, "pin", false, "Pin each agent goroutine's thread to its cpu")
	root.Flags().BoolVar(&flagOneshot, "oneshot", false, "Exit once the synthetic workload has finished")
	root.Flags().DurationVar(&flagStopTimeout, "stop-timeout", 5*time.Second, "How long agents get to drain on shutdown")

	root.AddCommand(newConfigCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadConfig reads the config file and lays the flags that were set on
// top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("policy") {
		cfg.Sched.Policy = flagPolicy
	}
	if f.Changed("cpus") {
		cfg.Sched.CPUs = flagCPUs
	}
	if f.Changed("global-cpu") {
		cfg.Sched.GlobalCPU = flagGlobalCPU
	}
	if f.Changed("preemption-us") {
		cfg.Sched.PreemptionIntervalUS = flagPreemptionUS
	}
	if f.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if f.Changed("listen") {
		cfg.Control.Listen = flagListen
	}
	if f.Changed("metrics-addr") {
		cfg.Control.MetricsAddr = flagMetricsAddr
	}
	if f.Changed("sim-cpus") {
		cfg.Sim.CPUs = flagSimCPUs
	}
	if f.Changed("tasks") {
		cfg.Sim.Workload.Tasks = flagTasks
	}
	if f.Changed("verbose") {
		cfg.Sched.Verbose = flagVerbose
	}
	if f.Changed("pin") {
		cfg.Sched.PinAgents = flagPin
	}
	return cfg, cfg.Validate()
}
