// onboardd runs the onboarding control plane.
//
// Commands:
//   - serve     HTTP API (orchestration, sessions, agents, metrics)
//   - run       orchestrate one request file and print the result
//   - overview  print the system overview from the persisted state
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	dataDir    string
	policyFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "onboardd",
	Short: "Onboarding control plane",
	Long:  `onboardd coordinates the onboarding agents: data collection, aggregation, the processing pipeline and error escalation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "State directory (default $ONBOARDING_DATA_DIR or ~/.onboarding)")
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "Escalation policy YAML file (default $ONBOARDING_POLICY_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(overviewCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
