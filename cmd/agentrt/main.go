package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/agentrt/internal/config"
)

var (
	version = "0.1.0"

	configFlag    string
	logLevelFlag  string
	logFormatFlag string

	rootCmd = &cobra.Command{
		Use:           "agentrt",
		Short:         "agentrt - coordinate agents with retries, breakers, and learned hints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevelFlag, logFormatFlag)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of agentrt",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentrt version %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Project config file (default: .agentrt/config.{yaml,yml,json})")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(versionCmd, runCmd, tasksCmd, outcomesCmd, hintsCmd, configCmd)
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays parseable.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

// loadConfig loads the global config and the --config file, or the project
// config found in the working directory.
func loadConfig() (*config.Config, error) {
	if configFlag == "" {
		return config.LoadDefault()
	}
	global, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return config.Load(global, configFlag)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
