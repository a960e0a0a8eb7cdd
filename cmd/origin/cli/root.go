// Package cli implements the origin command-line interface using Cobra.
// It provides commands for verifying attestation packets, inspecting
// challenge records and HashPaths, simulating devices, and running the
// streaming verifier.
package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "origin",
	Short: "Origin - Proof of Origin verification for IoT sensor data",
	Long: `Origin verifies that a sensor reading came from a registered device running
known firmware, answering a challenge issued by an attestation engine
running inside a TEE, within a bounded time window.

A packet is accepted only when every check passes; the first failing
check is reported by name.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      filepath.Join(config.Dir(), "debug"),
			RetentionDays: cfg.Debug.RetentionDays,
		}); err != nil {
			// Log init failure is non-fatal; fall back to the default logger
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command. Errors other than verdicts are printed to
// stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	reportError(err)
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.origin/config.yaml)")
}
