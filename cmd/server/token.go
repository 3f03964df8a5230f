package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/makeasinger/karaoke/internal/middleware"
)

var errNoSecret = errors.New("auth.jwt_secret is not configured")

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			token, err := issueToken(cfg.Auth.JWTSecret, userID, email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token")
	cmd.Flags().StringVar(&email, "email", "", "optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func issueToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errNoSecret
	}
	return middleware.NewAuthMiddleware(secret).GenerateToken(userID, email, ttl)
}
