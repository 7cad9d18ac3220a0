package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opera-qc",
		Short: "Call quality-control pipeline",
		Long: `opera-qc ingests call-session webhooks, stores both audio channels and
runs them through transcription and LLM analysis on durable stage queues.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (environment only when empty)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAPICmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newReplayCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opera-qc %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load() // loads .env
	os.Exit(execute(newRootCmd()))
}
