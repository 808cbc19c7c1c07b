package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barthlab/kernel/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "barthd",
	Short:   "barthd runs the Barth kernel autonomy engine",
	Long:    `barthd drives the cadence-scheduled autonomy loop: drives run on their own clocks, nudges surface for consent-gated action, and the parking brake can stop everything at once.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("barthd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the kernel config document")
	rootCmd.PersistentFlags().String("db", "", "Store file path (overrides BARTH_DB_PATH and config default)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(brakeCmd)
	rootCmd.AddCommand(embeddingsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
