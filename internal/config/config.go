// Package config loads verbsctl configuration.
//
// Sources, highest precedence first:
//  1. Command-line options
//  2. Environment variables (VERBSCTL_* prefix, dots become underscores)
//  3. Configuration file (verbsctl.yaml)
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/client"
	"github.com/rocketbitz/verbs-go/verbs"
)

// Config holds all verbsctl settings.
type Config struct {
	Provider string        `mapstructure:"provider"`
	Device   string        `mapstructure:"device"`
	Timeout  time.Duration `mapstructure:"timeout"`

	Pool     PoolConfig     `mapstructure:"pool"`
	MRPool   MRPoolConfig   `mapstructure:"mr_pool"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Bench    BenchConfig    `mapstructure:"bench"`
	NVMe     NVMeConfig     `mapstructure:"nvme"`
}

// PoolConfig sizes the native buffer pool.
type PoolConfig struct {
	SlotsPerClass int `mapstructure:"slots_per_class"`
}

// MRPoolConfig sizes the registered staging regions of the client.
type MRPoolConfig struct {
	Size     int `mapstructure:"size"`
	Capacity int `mapstructure:"capacity"`
}

// EndpointConfig sizes queue pairs.
type EndpointConfig struct {
	MaxSendWR int  `mapstructure:"max_send_wr"`
	MaxRecvWR int  `mapstructure:"max_recv_wr"`
	MaxSGE    int  `mapstructure:"max_sge"`
	CQDepth   int  `mapstructure:"cq_depth"`
	SigAll    bool `mapstructure:"sig_all"`
	Port      int  `mapstructure:"port"`
	GIDIndex  int  `mapstructure:"gid_index"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint of long-running commands.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// BenchConfig drives verbsctl bench.
type BenchConfig struct {
	Workers     int `mapstructure:"workers"`
	Iterations  int `mapstructure:"iterations"`
	Batch       int `mapstructure:"batch"`
	SGEs        int `mapstructure:"sges"`
	MessageSize int `mapstructure:"message_size"`
}

// NVMeConfig describes the simulated namespace used by verbsctl nvme.
type NVMeConfig struct {
	NamespaceID uint32 `mapstructure:"namespace_id"`
	SectorSize  int    `mapstructure:"sector_size"`
	Sectors     uint64 `mapstructure:"sectors"`
}

// Options carries command-line overrides. Zero values are ignored.
type Options struct {
	Provider string
	Device   string
	LogLevel string
}

// Load reads configuration from configPath, or from verbsctl.yaml in the
// standard locations when configPath is empty, and validates it.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("verbsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.verbsctl")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("VERBSCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Provider != "" {
		v.Set("provider", opts.Provider)
	}
	if opts.Device != "" {
		v.Set("device", opts.Device)
	}
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", verbs.ProviderSim)
	v.SetDefault("device", "")
	v.SetDefault("timeout", 5*time.Second)

	v.SetDefault("pool.slots_per_class", 1)

	v.SetDefault("mr_pool.size", 4096)
	v.SetDefault("mr_pool.capacity", 32)

	v.SetDefault("endpoint.max_send_wr", 256)
	v.SetDefault("endpoint.max_recv_wr", 256)
	v.SetDefault("endpoint.max_sge", 16)
	v.SetDefault("endpoint.cq_depth", 0)
	v.SetDefault("endpoint.sig_all", false)
	v.SetDefault("endpoint.port", 1)
	v.SetDefault("endpoint.gid_index", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("bench.workers", 4)
	v.SetDefault("bench.iterations", 1000)
	v.SetDefault("bench.batch", 16)
	v.SetDefault("bench.sges", 1)
	v.SetDefault("bench.message_size", 4096)

	v.SetDefault("nvme.namespace_id", 1)
	v.SetDefault("nvme.sector_size", 512)
	v.SetDefault("nvme.sectors", 8192)
}

func (c *Config) validate() error {
	switch c.Provider {
	case verbs.ProviderSim, verbs.ProviderIBVerbs:
	default:
		return fmt.Errorf("unknown provider %q (want %s or %s)", c.Provider, verbs.ProviderSim, verbs.ProviderIBVerbs)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Pool.SlotsPerClass < 1 {
		return errors.New("pool.slots_per_class must be at least 1")
	}
	if c.MRPool.Size <= 0 || c.MRPool.Capacity < 0 {
		return errors.New("mr_pool.size must be positive and mr_pool.capacity non-negative")
	}
	if c.Endpoint.MaxSendWR < 1 || c.Endpoint.MaxRecvWR < 1 || c.Endpoint.MaxSGE < 1 {
		return errors.New("endpoint work request and SGE limits must be at least 1")
	}
	if c.Endpoint.Port < 1 || c.Endpoint.Port > 255 {
		return fmt.Errorf("endpoint.port %d out of range", c.Endpoint.Port)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Bench.Workers < 1 || c.Bench.Iterations < 1 || c.Bench.Batch < 1 || c.Bench.SGEs < 1 {
		return errors.New("bench workers, iterations, batch and sges must be at least 1")
	}
	if c.Bench.SGEs > c.Endpoint.MaxSGE {
		return fmt.Errorf("bench.sges %d exceeds endpoint.max_sge %d", c.Bench.SGEs, c.Endpoint.MaxSGE)
	}
	if c.Bench.MessageSize < c.Bench.SGEs || c.Bench.MessageSize > verbs.MaxBlockSize {
		return fmt.Errorf("bench.message_size %d out of range", c.Bench.MessageSize)
	}
	if ss := c.NVMe.SectorSize; ss < 512 || ss&(ss-1) != 0 {
		return fmt.Errorf("nvme.sector_size %d must be a power of two of at least 512", ss)
	}
	if c.NVMe.NamespaceID == 0 || c.NVMe.Sectors == 0 {
		return errors.New("nvme.namespace_id and nvme.sectors must be non-zero")
	}
	return nil
}

// EndpointAttr converts the endpoint section.
func (c *Config) EndpointAttr() verbs.EndpointAttr {
	return verbs.EndpointAttr{
		MaxSendWR: c.Endpoint.MaxSendWR,
		MaxRecvWR: c.Endpoint.MaxRecvWR,
		MaxSGE:    c.Endpoint.MaxSGE,
		CQDepth:   c.Endpoint.CQDepth,
		SigAll:    c.Endpoint.SigAll,
		Port:      uint8(c.Endpoint.Port),
		GIDIndex:  c.Endpoint.GIDIndex,
	}
}

// ClientConfig returns the client configuration; logging and telemetry
// hooks are left for the caller to attach.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Provider:          c.Provider,
		Device:            c.Device,
		Timeout:           c.Timeout,
		Endpoint:          c.EndpointAttr(),
		PoolSlotsPerClass: c.Pool.SlotsPerClass,
		MRPoolSize:        c.MRPool.Size,
		MRPoolCapacity:    c.MRPool.Capacity,
	}
}

// NewLogger builds the zap logger described by the log section.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
