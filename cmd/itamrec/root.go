package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/config"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	outputFlag string

	// cfg is resolved before any subcommand runs
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "itamrec",
		Short: "ITAM inventory reconciliation",
		Long: `itamrec - ITAM inventory reconciliation

itamrec classifies every record of an ITAM inventory export as Integrated
(its IP address appears in the active services export) or Pending, and
keeps the latest classification as a queryable snapshot.

Datasets are comma separated files read from a directory or an S3 prefix.
The most recently modified file on each side is used unless one is named.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`itamrec {{.Version}}
`)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default $"+config.EnvPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "", "Output format: table, json, yaml (default table on a terminal, json otherwise)")
}

// setup resolves the config and configures the global logger
func setup(cmd *cobra.Command, _ []string) error {
	resolved, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	cfg = resolved

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	return setupLogging(cfg.Log)
}

func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	if lc.Console || isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
