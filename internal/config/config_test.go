package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/verbs-go/verbs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verbsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, verbs.ProviderSim, cfg.Provider)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 1, cfg.Pool.SlotsPerClass)
	assert.Equal(t, 4096, cfg.MRPool.Size)
	assert.Equal(t, 256, cfg.Endpoint.MaxSendWR)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Bench.Batch)
	assert.Equal(t, 512, cfg.NVMe.SectorSize)
}

func TestLoadFileEnvAndOptions(t *testing.T) {
	path := writeConfig(t, `
provider: sim
device: sim7
timeout: 250ms
pool:
  slots_per_class: 8
endpoint:
  max_sge: 4
  sig_all: true
bench:
  workers: 2
  sges: 4
log:
  level: warn
`)
	t.Setenv("VERBSCTL_BENCH_ITERATIONS", "77")
	t.Setenv("VERBSCTL_MR_POOL_CAPACITY", "3")

	cfg, err := Load(path, Options{LogLevel: "debug"})
	require.NoError(t, err)

	assert.Equal(t, "sim7", cfg.Device)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 8, cfg.Pool.SlotsPerClass)
	assert.Equal(t, 4, cfg.Endpoint.MaxSGE)
	assert.True(t, cfg.Endpoint.SigAll)
	assert.Equal(t, 2, cfg.Bench.Workers)
	assert.Equal(t, 77, cfg.Bench.Iterations)
	assert.Equal(t, 3, cfg.MRPool.Capacity)
	assert.Equal(t, "debug", cfg.Log.Level, "options override the file")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown provider", func(c *Config) { c.Provider = "tcp" }, "unknown provider"},
		{"zero slots", func(c *Config) { c.Pool.SlotsPerClass = 0 }, "slots_per_class"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"sges over limit", func(c *Config) { c.Bench.SGEs = 32 }, "exceeds endpoint.max_sge"},
		{"odd sector size", func(c *Config) { c.NVMe.SectorSize = 1000 }, "power of two"},
		{"port range", func(c *Config) { c.Endpoint.Port = 300 }, "endpoint.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestClientConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Device = "sim3"
	cfg.Endpoint.SigAll = true

	cc := cfg.ClientConfig()
	assert.Equal(t, "sim3", cc.Device)
	assert.Equal(t, cfg.Pool.SlotsPerClass, cc.PoolSlotsPerClass)
	assert.Equal(t, cfg.MRPool.Size, cc.MRPoolSize)
	assert.True(t, cc.Endpoint.SigAll)
	assert.Equal(t, uint8(1), cc.Endpoint.Port)
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "debug", Development: true}.NewLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("", Options{})
	require.NoError(t, err)
	return cfg
}
