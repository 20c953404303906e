// Package cmd implements the sim-engine command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/sim-engine/internal/config"
	"yqhp/sim-engine/pkg/logger"
)

const (
	// Version is the current version.
	Version = "0.1.0"
	// Banner is printed by --version.
	Banner = `
   ___ (_)_ _      ___ ___  ___ _(_)__  ___
  (_-</ /  ' \    / -_) _ \/ _ '/ / _ \/ -_)
 /___/_/_/_/_/    \__/_//_/\_, /_/_//_/\__/  %s
                          /___/
`
)

var (
	cfgFile   string
	debug     bool
	quiet     bool
	overrides []string

	// cfg is loaded before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sim-engine",
	Short: "Simulation job orchestration",
	Long: `sim-engine discovers the simulations in a model tree, applies their
overrides and runs them inline, on a goroutine pool or across worker
processes, then runs the tree's analyses and checks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		logger.Init(&cfg.Logging)
		if debug {
			logger.EnableDebug()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml or .toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "print only errors")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "config override as section.key=value (repeatable)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd returns the root command, for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	args := make(map[string]string, len(overrides))
	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: want section.key=value", o)
		}
		args[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	c, err := config.NewLoader().WithConfigPath(cfgFile).WithCmdArgs(args).Load()
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
