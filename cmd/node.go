// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshx/meshcore/internal/node"
	"github.com/meshx/meshcore/internal/platform"
)

var platformFactory func() (platform.Radio, platform.Timer, error)

// RegisterPlatform installs the radio/timer factory a platform-specific
// main package provides. Called from that package's init(), before
// Execute().
func RegisterPlatform(factory func() (platform.Radio, platform.Timer, error)) {
	platformFactory = factory
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the mesh node's main loop",
	Long: `node loads the node's configuration, constructs every protocol
component (spec §2 components C1-C15), and drains the mailbox until
interrupted (SIGINT/SIGTERM) or the shell requests shutdown.
`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if platformFactory == nil {
		return errors.New("node: no platform radio/timer registered; a platform build must call cmd.RegisterPlatform before cmd.Execute")
	}
	radio, timer, err := platformFactory()
	if err != nil {
		return fmt.Errorf("node: constructing platform primitives: %w", err)
	}

	n, err := node.New(cfg, radio, timer)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	defer func() {
		if cerr := n.Close(); cerr != nil {
			slog.Warn("node: close failed", "err", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("node: starting", "role", cfg.Node.Role, "elements", cfg.Node.ElementCount)
	return n.Run(ctx)
}
