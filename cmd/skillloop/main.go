// Command skillloop watches screen regions for skill icons and presses the
// bound key when one is ready.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/skillloop/internal/config"
)

// Version information set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "skillloop",
	Short:         "Skill detection and key rotation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logSettings(cmd, config.Load()))
	},
}

// logSettings resolves the log level and format: flags win over LOG_LEVEL and
// LOG_FORMAT.
func logSettings(cmd *cobra.Command, cfg *config.Config) (level, format string, debug bool) {
	debug, _ = cmd.Flags().GetBool("debug")
	format, _ = cmd.Flags().GetString("log-format")
	if format == "" {
		format = cfg.LogFormat
	}
	return cfg.LogLevel, format, debug
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("skillloop %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: auto, text, json or logfmt (default LOG_FORMAT or auto)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(ctlCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
