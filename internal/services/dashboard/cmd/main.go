package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/sensordash/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sensordash",
	Short: "Real-time telemetry dashboard client",
	Long: `sensordash keeps a websocket session to the telemetry server, folds the
event stream into dashboard state and serves it over HTTP and gRPC.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
