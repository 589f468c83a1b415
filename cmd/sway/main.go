// Package main implements sway, the operator CLI for the Sway control
// plane. Every command talks to a running swayd over its management
// API; nothing here touches NATS directly.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var apiBase string

// rootCmd is the CLI entry point
var rootCmd = &cobra.Command{
	Use:   "sway",
	Short: "Operator CLI for the Sway deployment control plane",
	Long: `sway drives the MindMirror deployment control plane: service catalog,
releases, two-phase deploys, supergraph composition, and the pipeline.

The API address is read from --api, then SWAY_API, then
http://localhost:8080.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func main() {
	// Local .env files carry SWAY_API and tokens for dev setups.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&apiBase, "api",
		defaultAPI(), "Control-plane API base URL (env: SWAY_API)")

	rootCmd.AddCommand(
		servicesCmd,
		releasesCmd,
		deployCmd,
		approveCmd,
		rejectCmd,
		rollbackCmd,
		supergraphCmd,
		composeCmd,
		pipelinesCmd,
		healthCmd,
		secretsCmd,
		tailCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultAPI() string {
	if v := os.Getenv("SWAY_API"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
