package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oyanagi/dencal/internal/config"
)

var version = "dev"

var (
	noColor    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "dencal",
	Short: "Detect marked days on calendar photos and register them as events",
	Long: `dencal sends photos of a paper calendar to a vision model, extracts the
days marked with a 田 symbol, and creates all-day events on the configured
Google Calendar accounts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.Version = version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(ledgerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	return cfg, nil
}
