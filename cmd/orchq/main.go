package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/orchq/internal/cmd/client"
	serverrun "github.com/rzbill/orchq/internal/cmd/server"
	cfgpkg "github.com/rzbill/orchq/internal/config"
	logpkg "github.com/rzbill/orchq/pkg/log"
)

func main() {
	if err := cfgpkg.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	rootCmd := &cobra.Command{
		Use:          "orchq",
		Short:        "orchq work queue CLI",
		Long:         "orchq is a priority work queue with leases, heartbeats and blocking results. This CLI runs the server and drives queues.",
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the orchq server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logpkg.ApplyConfig(logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			// Pebble logs through the standard library logger.
			restore := logpkg.RedirectStdLog(logger)
			defer restore()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	f := serverStartCmd.Flags()
	f.String("config", os.Getenv("ORCHQ_CONFIG"), "Path to a YAML or JSON config file")
	f.String("data-dir", "", "Data directory for the pebble backend (default: OS application data directory)")
	f.String("backend", "", "Store backend: pebble|redis|postgres")
	f.String("grpc", "", "gRPC listen address")
	f.String("http", "", "HTTP listen address")
	f.String("fsync", "", "Pebble fsync mode: always|interval|never")
	f.String("log-level", "", "Log level: debug|info|warn|error")
	f.String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
	configCmd.Flags().String("config", os.Getenv("ORCHQ_CONFIG"), "Path to a YAML or JSON config file")

	rootCmd.AddCommand(serverCmd, configCmd, clientcmd.NewQueueCommand(), clientcmd.NewHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, ORCHQ_* variables and then
// any flags the user set.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("config from env: %w", err)
	}
	override := func(flag string, dst *string) {
		if cmd.Flags().Lookup(flag) == nil || !cmd.Flags().Changed(flag) {
			return
		}
		*dst, _ = cmd.Flags().GetString(flag)
	}
	override("data-dir", &cfg.DataDir)
	override("backend", &cfg.Backend)
	override("grpc", &cfg.Server.GRPCAddr)
	override("http", &cfg.Server.HTTPAddr)
	override("fsync", &cfg.Fsync)
	override("log-level", &cfg.Log.Level)
	override("log-format", &cfg.Log.Format)
	return cfg, cfg.Validate()
}
