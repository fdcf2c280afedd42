// Package cli implements the auto command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/auto/internal/config"
)

var (
	cfgFile      string
	verbose      bool
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "auto",
	Short: "Autonomous software delivery pipeline",
	Long: `auto drives a product concept through analysis, planning, solutioning,
and implementation using agent subprocesses, with every decision persisted
to a durable store.

Stories are implemented in parallel across conflict groups, each one walked
through create-story, dev-story, code-review, and fix until its review
passes or it escalates to a human.

Quick start:
  auto init                        Initialize auto in current project
  auto run --concept "Build X"     Run the full pipeline
  auto status                      Show the latest run
  auto resume                      Continue an interrupted run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Errors are rendered here, once: JSON mode wraps them in the
// result envelope on stdout, human mode prints the what/why/fix message to
// stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		if jsonOut() {
			printJSONError(err)
		} else {
			PrintError(err)
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .auto/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", "human", "output format (human, json)")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newAmendCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set. Logging goes to
// stderr so stdout stays clean for NDJSON and JSON output.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.AutoDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("AUTO")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// jsonOut reports whether --output-format json is in effect.
func jsonOut() bool {
	return outputFormat == "json"
}
