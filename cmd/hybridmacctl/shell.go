package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/shell"
)

func newShellCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Edit the policy table and drive the daemon interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()

			return shell.New(lifecycle.NewGuarded(rt.ctrl), cmd.OutOrStdout(), rt.log).Run(ctx)
		},
	}
}
