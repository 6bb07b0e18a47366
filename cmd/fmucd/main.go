// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The fmucd command is an external XMPP component that serves chat rooms and
// federates them with rooms on other services.
//
// For more information try running:
//
//	fmucd help
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mellium.im/fmuc/internal/config"
)

const defaultConfigFile = "fmucd.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags shared by every subcommand.
type globalFlags struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "fmucd",
		Short: "Federated multi-user chat component",
		Long: `fmucd connects to an XMPP server as a component and hosts chat rooms.
Rooms may join rooms on other services so that their occupants share one
conversation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(g),
		checkCmd(g),
	)
	return rootCmd
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(g.configFile)
}

// setupLogger builds the production logger at the configured level.
// The verbose flag always wins.
func setupLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level == zapcore.DebugLevel {
		zc.Development = true
	}
	return zc.Build()
}
