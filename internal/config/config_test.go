package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/sched"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fifoagent.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
sched:
  policy: centralized
  cpus: "0-3"
  preemption_interval_us: 500
  migration_period: 100
log:
  level: debug
  format: yaml
control:
  listen: "127.0.0.1:9001"
sim:
  cpus: 8
  threads_per_core: 2
  workload:
    tasks: 16
    long_fraction: 0.2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "centralized", cfg.Sched.Policy)
	assert.Equal(t, "0-3", cfg.Sched.CPUs)
	assert.Equal(t, int64(500), cfg.Sched.PreemptionIntervalUS)
	assert.Equal(t, 128, cfg.Sched.MigrationPeriod)
	// untouched keys keep their defaults
	assert.Equal(t, -1, cfg.Sched.GlobalCPU)
	assert.Equal(t, 1000, cfg.Sched.ProfilePeriodMS)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)

	assert.Equal(t, "127.0.0.1:9001", cfg.Control.Listen)
	assert.Equal(t, "127.0.0.1:8000", cfg.Control.MetricsAddr)

	assert.Equal(t, 8, cfg.Sim.CPUs)
	assert.Equal(t, 2, cfg.Sim.ThreadsPerCore)
	assert.Equal(t, 16, cfg.Sim.Workload.Tasks)
	assert.Equal(t, 0.2, cfg.Sim.Workload.LongFraction)
	assert.Equal(t, 10, cfg.Sim.Workload.Iterations)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeFile(t, "sched: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "sched:\n  polcy: centralized\n"))
	assert.Error(t, err, "unknown keys are an error")

	_, err = Load(writeFile(t, "sched:\n  policy: lottery\n"))
	assert.ErrorIs(t, err, sched.ErrUnknownPolicy)

	_, err = Load(writeFile(t, "sim:\n  cpus: 0\n"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	want := Default()
	want.Sched.Policy = "centralized"
	data, err := want.Marshal()
	require.NoError(t, err)

	got, err := Load(writeFile(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
