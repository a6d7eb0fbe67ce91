package main

import (
	"fmt"
	"log/slog"
	"os"

	"awoxmesh/internal/config"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root awoxmesh command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "awoxmesh",
		Short:         "AwoX BLE mesh lighting controller",
		Long:          "awoxmesh drives an AwoX/Telink BLE lighting mesh through a single\ngateway connection: status polling, command dispatch, and device provisioning.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to config file (default: ~/.config/awoxmesh/config.yaml)")

	cmd.AddCommand(
		newRunCmd(),
		newScanCmd(),
		newProvisionCmd(),
	)

	return cmd
}

// loadConfig resolves the --config flag, falling back to the default
// path and writing a template file on first run.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = config.DefaultConfigPath()
		if _, statErr := os.Stat(path); statErr != nil {
			written, writeErr := config.WriteDefault()
			if writeErr != nil {
				return nil, fmt.Errorf("writing default config: %w", writeErr)
			}
			return nil, fmt.Errorf("no config found; template written to %s, fill in the mesh credentials", written)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	applyLogLevel(cfg.LogLevel)
	return cfg, nil
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	default:
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
}
