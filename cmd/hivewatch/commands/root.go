package commands

import (
	"github.com/spf13/cobra"

	"github.com/studyhive/realtime/internal/build"
)

var (
	// configPath is the path to the YAML config file.
	configPath string

	// logLevel overrides the configured log level.
	logLevel string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "hivewatch",
	Short: "StudyHive realtime client CLI",
	Long: `hivewatch connects to the StudyHive realtime layer: it tails chat
rooms, publishes messages, watches presence counts, and manages the
notification inbox, all over the same session the app itself uses.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logLevel != "" {
			build.SetLogLevel(logLevel)
		}
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to YAML config (default: env vars only)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"Log level: trace, debug, info, warn, error",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	// Add subcommands.
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(versionCmd)
}
