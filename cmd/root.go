// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/meshx/meshcore/internal/config"
)

var (
	cfgPath  string
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "meshcore",
	Short: "A Bluetooth Mesh protocol core node",
	Long: `meshcore runs the core Bluetooth Mesh protocol stack: network and
transport layers, provisioning, beaconing and the shell-facing command
surface that drives them.

The radio and timer primitives the core depends on (spec §6) are supplied
by a platform-specific build; this binary wires the rest.
`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print debug contents")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the node's YAML configuration file")
}

// loadConfig reads cfgPath (if set) through viper, applies flag/env
// overrides, and decodes the result into the core's Config tree via
// internal/config.Load. The config/shell surface is external to the core
// (spec §6); this is the one place the CLI and the core's internal/config
// types meet.
func loadConfig() (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESHCORE")
	v.AutomaticEnv()

	cfg, err := config.Load(v, cfgPath)
	if err != nil {
		return config.Config{}, err
	}

	if debug {
		logLevel.Set(slog.LevelDebug)
		cfg.Log.Level = "debug"
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return *cfg, nil
}
