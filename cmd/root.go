// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cmd provides the command-line interface for cellrun.
// It runs notebook documents cell by cell, manages named database
// connections and query history, and hosts the hidden script sandbox
// subcommand the script kernel re-executes.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cellrun/cli/internal/config"
	"cellrun/cli/internal/scripthost"
)

var (
	configPath  string
	logLevel    string
	showVersion bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cellrun",
	Short: "Run notebook documents of SQL, script, JSON, log and broker cells",
	Long: `cellrun executes the cells of a notebook document in order against a shared
variable store. SQL cells run on named connections, script cells run in a
sandboxed subprocess, JSON cells set variables, and log-query and broker
cells go through the configured gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv(config.EnvConfigPath, configPath)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Fprintf(cmd.OutOrStdout(), "cellrun %s\n", Version)
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the CLI application.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := exitCode(err); ok {
			os.Exit(code)
		}
		os.Exit(1)
	}
}

func exitCode(err error) (int, bool) {
	if ee, ok := err.(*scripthost.ExitError); ok {
		return ee.Code, true
	}
	if be, ok := err.(batchError); ok {
		return be.code, true
	}
	return 0, false
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/cellrun/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
	rootCmd.AddCommand(scripthost.NewCommand())
}
