package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-sync/internal/client"
)

func newResultCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "result <session-id>",
		Short: "Show the graded result of a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}

			res, err := client.NewFromConfig(env.cfg, env.log).GetResult(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("get result: %w", err)
			}
			renderResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
}
