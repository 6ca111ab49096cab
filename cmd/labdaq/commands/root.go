// Package commands implements the labdaq command line interface.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/easternanemone/labdaq/pkg/config"
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
		Use:   "labdaq",
		Short: "labdaq - Laboratory Instrument Run Engine",
		Long: `labdaq executes measurement plans against laboratory instruments and
streams the results as a structured document sequence.

A plan expands into an ordered series of device commands: move stages,
trigger detectors, read values. The engine stages the required devices,
runs the commands, and emits Start, Descriptor, Event, and Stop documents
that describe the acquired data. Runs can be paused, resumed, and aborted,
and completed runs can be archived to SQLite for later inspection.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applyVerbosity()
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDevicesCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// applyVerbosity lowers the global log threshold when --verbose is set.
// It never raises it, so LOG_LEVEL=trace still wins.
func applyVerbosity() {
	if verbose && zerolog.GlobalLevel() > zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// loadConfig resolves the active configuration: the --config flag if set,
// a labdaq.yaml in the working directory if present, otherwise defaults.
// The returned path is empty when running on defaults.
func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		return cfg, configPath, err
	}
	if _, err := os.Stat("labdaq.yaml"); err == nil {
		cfg, err := config.Load("labdaq.yaml")
		return cfg, "labdaq.yaml", err
	}
	return config.Default(), "", nil
}
