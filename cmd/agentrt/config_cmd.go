package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/agentrt/internal/config"
)

var (
	forceFlag bool

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Create or inspect configuration files",
	}

	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Long: `Init writes the default configuration to path, or to
.agentrt/config.yaml when no path is given. An existing file is only
replaced with --force.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(config.Dir, "config.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			if err := initConfig(path, forceFlag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
)

func init() {
	configInitCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return config.Save(config.DefaultConfig(), path)
}
