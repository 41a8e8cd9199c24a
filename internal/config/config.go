// Package config loads the agent's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	yaml "github.com/goccy/go-yaml"

	"orcasched/internal/job"
	"orcasched/internal/sched"
)

// Config mirrors fifoagent.yml.
type Config struct {
	Sched   sched.Config  `yaml:"sched"`
	Log     LogConfig     `yaml:"log"`
	Control ControlConfig `yaml:"control"`
	Sim     SimConfig     `yaml:"sim"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level"`
	// console or json
	Format string `yaml:"format"`
	// stdout, stderr, or file paths
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ControlConfig places the two control-plane channels.
type ControlConfig struct {
	Listen      string `yaml:"listen"`       // tcp, SetScheduler commands; "" disables
	MetricsAddr string `yaml:"metrics_addr"` // udp, metrics and hints; "" disables
	QueueSize   int    `yaml:"queue_size"`
}

// SimConfig shapes the simulated enclave the agent schedules.
type SimConfig struct {
	CPUs           int    `yaml:"cpus"`
	ThreadsPerCore int    `yaml:"threads_per_core"`
	CoresPerL3     int    `yaml:"cores_per_l3"` // 0 = one L3
	L3PerNode      int    `yaml:"l3_per_node"`
	Sysfs          string `yaml:"sysfs"` // take the topology from here instead
	YieldTimeoutUS int    `yaml:"yield_timeout_us"`

	Workload job.Config `yaml:"workload"`
}

// If no config file is given, we use default values
func Default() Config {
	return Config{
		Sched: sched.DefaultConfig(),
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/fifoagent.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Control: ControlConfig{
			Listen:      "127.0.0.1:8001",
			MetricsAddr: "127.0.0.1:8000",
			QueueSize:   1024,
		},
		Sim: SimConfig{
			CPUs:           4,
			ThreadsPerCore: 1,
			L3PerNode:      1,
			YieldTimeoutUS: 2000,
			Workload:       job.DefaultConfig(),
		},
	}
}

// Load reads YAML over the defaults. An empty path or a missing file gives
// the defaults; anything unreadable or malformed is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate clamps out-of-range values and rejects the ones that cannot be
// fixed.
func (c *Config) Validate() error {
	def := Default()
	c.Sched.Sanitize()
	if _, err := sched.ParsePolicy(c.Sched.Policy); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		c.Log.Format = def.Log.Format
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = def.Log.Outputs
	}
	if c.Control.QueueSize <= 0 {
		c.Control.QueueSize = def.Control.QueueSize
	}

	if c.Sim.CPUs <= 0 && c.Sim.Sysfs == "" {
		return fmt.Errorf("sim: need cpus > 0 or a sysfs root")
	}
	if c.Sim.ThreadsPerCore <= 0 {
		c.Sim.ThreadsPerCore = 1
	}
	if c.Sim.CoresPerL3 < 0 {
		c.Sim.CoresPerL3 = 0
	}
	if c.Sim.L3PerNode <= 0 {
		c.Sim.L3PerNode = 1
	}
	if c.Sim.YieldTimeoutUS <= 0 {
		c.Sim.YieldTimeoutUS = def.Sim.YieldTimeoutUS
	}
	c.Sim.Workload.Sanitize()
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
