package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/poolingh/poolingh/internal/config"
	"github.com/poolingh/poolingh/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "poolingh",
		Short: "poolingh — credential-pooled search API miner",
		Long: `poolingh accelerates mining a rate-limited HTTP search API by pooling
multiple authenticated credentials and dispatching a shared request
backlog across whichever of them currently have rate-limit headroom.

Features:
  • Per-credential rate-limit state machine (pause/resume on reset)
  • Shared LIFO backlog with front-of-queue retry on failure
  • Global failure budget and per-URL retry budget
  • JSONL, CSV, MongoDB, and Postgres result sinks
  • Prometheus metrics and a status/control HTTP API
  • Live TUI dashboard`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(mineCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("poolingh %s\n", config.Version)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Pool:\n")
			fmt.Printf("  Max Per Request:   %d\n", cfg.Pool.MaxPerRequest)
			fmt.Printf("  Max Total:         %d\n", cfg.Pool.MaxTotal)
			fmt.Printf("  Global QPS:        %.1f\n", cfg.Pool.GlobalQPS)
			fmt.Printf("\nClient:\n")
			fmt.Printf("  Safety Margin:     %d\n", cfg.Client.SafetyMargin)
			fmt.Printf("  Resume Buffer:     %s\n", cfg.Client.ResumeBuffer)
			fmt.Printf("\nTransport:\n")
			fmt.Printf("  Request Timeout:   %s\n", cfg.Transport.RequestTimeout)
			fmt.Printf("  User Agent:        %s\n", cfg.Transport.UserAgent)
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:              %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:       %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:              %d\n", cfg.Metrics.Port)
			fmt.Printf("\nAPI:\n")
			fmt.Printf("  Enabled:           %v\n", cfg.API.Enabled)
			fmt.Printf("  Addr:              %s\n", cfg.API.Addr)
			return nil
		},
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, func() error) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	return logger, closer
}
