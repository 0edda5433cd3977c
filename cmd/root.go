// Package cmd holds the command line of the standalone capture runner.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-ingester-capture/connector"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture row changes from MySQL or SQL Server and publish them as change events",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a capture pipeline and publish its events to the configured sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the connector as a go-plugin for a dstream host",
	Run: func(cmd *cobra.Command, args []string) {
		connector.Serve(&connector.Plugin{})
	},
}

// Execute runs the command line. SIGINT and SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", getEnv("CAPTURE_CONFIG", "capture.yaml"), "Pipeline config file (yaml, json or toml)")
	rootCmd.AddCommand(runCmd, serveCmd)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
