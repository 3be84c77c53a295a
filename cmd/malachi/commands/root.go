// Package commands implements the Malachi CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jholhewres/malachi/pkg/malachi/config"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "malachi",
		Short: "Malachi - conversational bot for messaging platforms",
		Long: `Malachi is a conversational bot that answers messages on Discord,
Telegram, and WhatsApp, grounded on a synced knowledge base.

Examples:
  malachi serve
  malachi serve --channel discord
  malachi chat "what do you know about billing?"
  malachi config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config from the --config flag or by discovery.
// Returns the parsed config and the path it came from (empty when defaults
// were used because no file exists).
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := config.FindFile(); found != "" {
		cfg, err := config.LoadFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return config.Default(), "", nil
}

// newLogger builds the process logger from the log config and --verbose.
func newLogger(cmd *cobra.Command, cfg config.LogConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
