package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/harbormaster/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harbormaster",
		Short: "Harbormaster - Container Lifecycle Engine",
		Long: `Harbormaster keeps container groups at their described size and shape.

Features:
  - Persisted, resumable workflows for clustering, provisioning and removal
  - Barrier fan-out to container adapters (simulated or docker over SSH)
  - Periodic drift detection with automatic redeployment
  - Rego policies gating automatic redeployments
  - Descriptor catalogs written in CUE
  - Lifecycle events relayed to RabbitMQ`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newReconcileCommand(version))
	rootCmd.AddCommand(newScaleCommand(version))
	rootCmd.AddCommand(newRemoveCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))
	rootCmd.AddCommand(newDescriptorsCommand(version))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}
