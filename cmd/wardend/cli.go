package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/wardenrun/warden/internal/wrapper"
)

// TODO: Inject version at build time.
const version = "0.0.1"

func rootCmd() *cobra.Command {
	flagValues := defaultConfig()

	var configPath string

	c := &cobra.Command{
		Use:          "wardend",
		Short:        "Job worker daemon running commands in isolated environments",
		Example:      "  wardend --bridge warden0 --subnet 10.77.0.0/16 --debug",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultConfig()

			if configPath != "" {
				if err := cfg.loadFile(configPath); err != nil {
					return err
				}
			}

			cfg.applyFlags(cmd.Flags(), flagValues)

			if err := cfg.validate(); err != nil {
				return err
			}

			return runServer(cmd.Context(), cfg, newLogger(cfg.Debug))
		},
	}

	c.AddCommand(shimCmd())
	c.CompletionOptions.HiddenDefaultCmd = true

	c.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")

	c.Flags().StringVar(&flagValues.Host, "host", flagValues.Host, "gRPC server host to bind")
	c.Flags().Uint16Var(&flagValues.Port, "port", flagValues.Port, "gRPC server port")
	c.Flags().BoolVar(&flagValues.Debug, "debug", flagValues.Debug, "Enable debug logs")

	c.Flags().
		StringVar(&flagValues.CertPath, "cert", flagValues.CertPath, "Path to server TLS certificate")

	c.Flags().
		StringVar(&flagValues.KeyPath, "key", flagValues.KeyPath, "Path to server TLS private key")

	c.Flags().
		StringVar(&flagValues.CACertPath, "ca-cert", flagValues.CACertPath, "Path to CA certificate for mTLS")

	c.Flags().
		StringVar(&flagValues.DataDir, "data-dir", flagValues.DataDir, "Directory for job records and captured output")

	c.Flags().
		StringVar(&flagValues.CgroupRoot, "cgroup-root", flagValues.CgroupRoot, "cgroup v2 hierarchy to create job cgroups under")

	c.Flags().
		StringVar(&flagValues.BaseRootfs, "base-rootfs", flagValues.BaseRootfs, "Directory jobs see as their read-only root filesystem")

	c.Flags().
		DurationVar(&flagValues.LaunchTimeout, "launch-timeout", flagValues.LaunchTimeout, "How long to wait for job launch confirmation")

	c.Flags().
		DurationVar(&flagValues.LogPollInterval, "log-poll-interval", flagValues.LogPollInterval, "How often idle log streams check for new output")

	c.Flags().
		StringVar(&flagValues.Bridge, "bridge", flagValues.Bridge, "Bridge interface for job networking")

	c.Flags().
		StringVar(&flagValues.Subnet, "subnet", flagValues.Subnet, "CIDR subnet for job addresses")

	return c
}

// shimCmd is the hidden re-exec entrypoint. The daemon launches every job as
// `/proc/self/exe shim` inside fresh namespaces; the shim finishes the
// isolation setup from inside and execs the target program. It is never run
// by hand.
func shimCmd() *cobra.Command {
	return &cobra.Command{
		Use:           wrapper.ShimCommand,
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wrapper.RunShim()
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
