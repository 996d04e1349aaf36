package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/freifunk-graviton/hybridmac/internal/auth"
	"github.com/freifunk-graviton/hybridmac/internal/config"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Algorithm != "HS256" {
				return fmt.Errorf("token minting requires auth.algorithm HS256, got %q", cfg.Auth.Algorithm)
			}
			if role != auth.RoleViewer && role != auth.RoleOperator {
				return fmt.Errorf("unknown role %q (want %s or %s)", role, auth.RoleViewer, auth.RoleOperator)
			}

			token, err := auth.SignHS256(cfg.Auth.Secret, auth.Claims{
				Subject: subject,
				Roles:   []string{role},
				Scopes:  auth.DefaultScopes(role),
			}, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, recorded as the audit actor")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "role to grant (viewer or operator)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
