package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/service"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		tokenType string
		userID    int
		name      string
		expiry    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token with the shared secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			if userID <= 0 {
				return fmt.Errorf("--user-id: must be positive")
			}

			auth := service.NewAuthService(env.cfg.JWTSecret, expiry)
			token, err := auth.GenerateToken(service.TokenType(tokenType), userID, name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenType, "type", string(service.TokenTypeParticipant), "token type: participant|proctor")
	cmd.Flags().IntVar(&userID, "user-id", 0, "participant or proctor id")
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "token lifetime")
	return cmd
}
