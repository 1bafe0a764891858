package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/config"
)

func tokenCmd(cfg *config.Config) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token for the /_internal API",
		Long: `Issue an HS256 bearer token signed with KILN_ADMIN_JWT_SECRET.

Send it as "Authorization: Bearer <token>", or as ?token= for event streams.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.AdminJWTSecret == "" {
				return errors.New("no admin secret: set KILN_ADMIN_JWT_SECRET or --secret")
			}
			tok, err := api.IssueAdminToken(cfg.AdminJWTSecret, subject, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringVar(&cfg.AdminJWTSecret, "secret", cfg.AdminJWTSecret, "signing secret")
	return cmd
}
