package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/internal/auth"
	"github.com/satriahrh/voxlink/internal/config"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		name string
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control API token",
		Long: `Mint a bearer token for the control API, signed with api.jwt_secret.

Operator tokens may drive the client; viewer tokens may only read state and
subscribe to events.

Examples:

  voxlink token --name stage-panel
  voxlink token --name dashboard --role viewer --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(*configPath, zap.NewNop()).Load()
			if err != nil {
				return err
			}

			issuer, err := auth.NewTokenIssuer(cfg.API.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("api.jwt_secret must be set to mint tokens: %w", err)
			}

			token, expiresAt, err := issuer.GenerateToken(name, role)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "operator", "subject recorded in the token")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
