package sched

import (
	"fmt"
	"time"

	"orcasched/internal/topology"
)

// Config is the flat scheduler configuration; it mirrors the `sched`
// section of the agent's YAML file.
type Config struct {
	CPUs                 string `yaml:"cpus"`                   // "" = every enclave cpu
	Policy               string `yaml:"policy"`                 // percpu (by default)
	GlobalCPU            int    `yaml:"global_cpu"`             // -1 = first cpu
	ProfilerCPU          int    `yaml:"profiler_cpu"`           // -1 = first cpu
	PreemptionIntervalUS int64  `yaml:"preemption_interval_us"` // <0 = never preempt
	ProfilePeriodMS      int    `yaml:"profile_period_ms"`      // 1000 (by default)
	DebugPeriodMS        int    `yaml:"debug_period_ms"`        // 1000 (by default)
	MigrationPeriod      int    `yaml:"migration_period"`       // 256 rounds, power of two
	PinAgents            bool   `yaml:"pin_agents"`
	Verbose              int    `yaml:"verbose"`
}

// If no config file is given, we use default values
func DefaultConfig() Config {
	return Config{
		Policy:               PolicyPerCPU.String(),
		GlobalCPU:            -1,
		ProfilerCPU:          -1,
		PreemptionIntervalUS: -1,
		ProfilePeriodMS:      1000,
		DebugPeriodMS:        1000,
		MigrationPeriod:      256,
	}
}

// Sanitize clamps out-of-range values back to their defaults.
func (c *Config) Sanitize() {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.ProfilePeriodMS <= 0 {
		c.ProfilePeriodMS = def.ProfilePeriodMS
	}
	if c.DebugPeriodMS <= 0 {
		c.DebugPeriodMS = def.DebugPeriodMS
	}
	if c.MigrationPeriod <= 0 {
		c.MigrationPeriod = def.MigrationPeriod
	}
	// round up to a power of two so the cadence check is a mask
	p := 1
	for p < c.MigrationPeriod {
		p <<= 1
	}
	c.MigrationPeriod = p
	if c.GlobalCPU < -1 {
		c.GlobalCPU = -1
	}
	if c.ProfilerCPU < -1 {
		c.ProfilerCPU = -1
	}
}

// PreemptionInterval converts PreemptionIntervalUS; negative means never.
func (c Config) PreemptionInterval() time.Duration {
	if c.PreemptionIntervalUS < 0 {
		return -1
	}
	return time.Duration(c.PreemptionIntervalUS) * time.Microsecond
}

// resolve picks the managed cpus out of the enclave's and fixes the global
// and profiler cpus to members of that set.
func (c Config) resolve(enclave *topology.CPUList) (cpus *topology.CPUList, global, profiler int, err error) {
	cpus = enclave.Clone()
	if c.CPUs != "" {
		want, err := topology.ParseCPUList(c.CPUs)
		if err != nil {
			return nil, 0, 0, err
		}
		cpus = topology.NewCPUList()
		for _, id := range want.IDs() {
			if !enclave.IsSet(id) {
				return nil, 0, 0, fmt.Errorf("cpu %d is not in the enclave (%s)", id, enclave)
			}
			cpus.Set(id)
		}
	}
	first, ok := cpus.Front()
	if !ok {
		return nil, 0, 0, fmt.Errorf("no cpus to schedule")
	}
	global, profiler = c.GlobalCPU, c.ProfilerCPU
	if !cpus.IsSet(global) {
		global = first
	}
	if !cpus.IsSet(profiler) {
		profiler = first
	}
	return cpus, global, profiler, nil
}
