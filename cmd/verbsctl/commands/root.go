// Package commands implements the verbsctl command tree.
package commands

import (
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/client"
	"github.com/rocketbitz/verbs-go/internal/config"
)

// app carries state shared by every subcommand once the root command has
// loaded configuration.
type app struct {
	configPath string
	provider   string
	device     string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd builds the verbsctl root command.
func NewRootCmd(version string) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "verbsctl",
		Short: "Build, inspect and exercise RDMA verbs command buffers",
		Long: `verbsctl serializes batches of RDMA verbs work requests into the native
command buffer layout, renders the result, and drives the simulated or
libibverbs provider with them.

Configuration is read from --config, ./verbsctl.yaml or
$HOME/.verbsctl/verbsctl.yaml, and VERBSCTL_* environment variables
(VERBSCTL_PROVIDER, VERBSCTL_LOG_LEVEL, VERBSCTL_BENCH_WORKERS, ...).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a verbsctl.yaml configuration file")
	flags.StringVar(&a.provider, "provider", "", "verbs provider (sim or ibverbs)")
	flags.StringVar(&a.device, "device", "", "device name")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newLayoutCmd(a))
	root.AddCommand(newEncodeCmd(a))
	root.AddCommand(newBenchCmd(a))
	root.AddCommand(newNVMeCmd(a))

	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath, config.Options{
		Provider: a.provider,
		Device:   a.device,
		LogLevel: a.logLevel,
	})
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.Named("verbsctl")
	a.log.Debug("configuration loaded",
		zap.String("provider", cfg.Provider),
		zap.String("device", cfg.Device),
	)
	return nil
}

// clientConfig returns the client configuration with logging attached.
func (a *app) clientConfig() client.Config {
	cc := a.cfg.ClientConfig()
	sugar := a.log.Named("client").Sugar()
	cc.Logger = sugar
	cc.StructuredLogger = sugar
	return cc
}

// dryRunQP satisfies verbs.QueuePair for buffers that are serialized but
// never submitted.
type dryRunQP struct{}

func (dryRunQP) Handle() uint32              { return 0 }
func (dryRunQP) IsOpen() bool                { return true }
func (dryRunQP) PostSend(unsafe.Pointer) int { return 0 }
func (dryRunQP) PostRecv(unsafe.Pointer) int { return 0 }
