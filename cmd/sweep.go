package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaims stale leases, expires overdue tasks and drains the backlog once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(app App) error {
				res, err := app.SweepOnce(cmd.Context())
				if err != nil {
					return err
				}
				zap.L().Info("sweep finished",
					zap.Int64("reclaimed", res.Reclaimed),
					zap.Int64("expired", res.Expired),
				)
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			})
		},
	}
}
