package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clientcmd "github.com/rzbill/scavenger/internal/cmd/client"
	serverrun "github.com/rzbill/scavenger/internal/cmd/server"
	cfgpkg "github.com/rzbill/scavenger/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scavenger",
		Short: "Event log scavenger",
		Long:  "Scavenger reclaims space in an append-only event log. This CLI runs the server, drives scavenges and performs offline maintenance.",
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("SCAVENGER_CONFIG"), "Config file (.yaml, .yml or .json)")

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the scavenger server and admin HTTP API",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			httpAddr, _ := cmd.Flags().GetString("http")
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.Log.Level = lvl
			}
			if format, _ := cmd.Flags().GetString("log-format"); format != "" {
				cfg.Log.Format = format
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{HTTPAddr: httpAddr, Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :2113)")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	addDataDirFlag(serverStartCmd)
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewStreamCommand(apiURL))

	scavengeCmd := clientcmd.NewScavengeCommand(apiURL)
	scavengeCmd.AddCommand(newScavengeRunCommand())
	rootCmd.AddCommand(scavengeCmd)

	filterCmd := &cobra.Command{Use: "filter", Short: "Stream existence filter maintenance"}
	filterCmd.AddCommand(newFilterRebuildCommand())
	rootCmd.AddCommand(filterCmd)

	return rootCmd
}

func addDataDirFlag(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "Data directory (if not specified, uses config, then the OS-specific application data directory)")
}

// loadConfig reads --config, overlays SCAVENGER_* variables and applies
// --data-dir.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cfgpkg.FromEnv(&cfg)
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	return cfg, nil
}

func apiURL() string {
	if v := os.Getenv("SCAVENGER_API"); v != "" {
		return v
	}
	return "http://127.0.0.1:2113"
}
