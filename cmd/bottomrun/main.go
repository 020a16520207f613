package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/bottomrun/internal/config"
)

const (
	appName = "bottomrun"
	version = "v1.0.0"
)

var (
	flagConfig string
	appConfig  config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Online bottom-detection inference and trading control",
		Version: version,
		Long: `bottomrun serves a single-symbol bottom classifier over 1-minute bars:
ingestion, feature derivation, online inference, outcome labeling,
calibration monitoring, gated model promotion, and paper trading.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			appConfig = cfg
			setupLogging(cfg.Logging)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newLabelCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newGapsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty console output only on an interactive terminal.
	if cfg.Pretty && term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
