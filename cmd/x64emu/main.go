// Package main provides the x64emu command-line tool: a streaming x86-64
// disassembler, a function-boundary analyser and a user-mode emulator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x64emu/config"
	"github.com/sarchlab/x64emu/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(log.CLI, "command failed", "err", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	snapDir    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:           "x64emu",
		Short:         "x86-64 disassembler, function analyser and emulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "JSON configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&a.snapDir, "snapshot-dir", "", "snapshot directory or database path")

	root.AddCommand(
		a.disasmCmd(),
		a.functionsCmd(),
		a.blocksCmd(),
		a.dumpCmd(),
		a.emulateCmd(),
		a.debugCmd(),
		a.scriptCmd(),
		a.snapshotCmd(),
		a.benchCmd(),
	)
	return root
}

// setup loads the configuration, applies flag overrides and installs the
// root logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.snapDir != "" {
		cfg.Snapshot.Dir = a.snapDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.cfg = cfg
	log.Debug(log.CLI, "configuration loaded", "config", a.configPath, "command", cmd.Name())
	return nil
}
