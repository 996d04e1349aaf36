package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freifunk-graviton/hybridmac/internal/config"
	"github.com/freifunk-graviton/hybridmac/internal/launcher"
	"github.com/freifunk-graviton/hybridmac/internal/schedconf"
)

func newRenderCmd(configPath *string) *cobra.Command {
	var (
		allowAll bool
		args     bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the serialized slot configuration",
		Long: `Print the configuration string the daemon would receive for the
slots declared in the configuration file. With --args the full daemon
command line is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			frame := cfg.Frame()
			var rendered string
			if allowAll {
				rendered = schedconf.SerializeAllowAll(frame.SlotCount)
			} else {
				table, err := cfg.BuildTable()
				if err != nil {
					return err
				}
				rendered = schedconf.Serialize(table)
			}

			if !args {
				fmt.Fprintln(cmd.OutOrStdout(), rendered)
				return nil
			}

			spec := launcher.Spec{
				Binary:       cfg.Daemon.Binary,
				Interface:    cfg.Daemon.Interface,
				DebugLevel:   cfg.Daemon.DebugLevel,
				SlotDuration: frame.SlotDuration,
				SlotCount:    frame.SlotCount,
				Config:       rendered,
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(append([]string{spec.Binary}, spec.Args()...), " "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowAll, "allow-all", false, "render the allow-all configuration for every slot")
	cmd.Flags().BoolVar(&args, "args", false, "print the daemon command line")
	return cmd
}
