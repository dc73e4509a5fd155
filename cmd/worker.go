package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs only the worker pool and sweeper",
		Long: `Runs workers against the shared task store without serving the API.
Use it to scale processing separately from request handling; it needs a
database DSN so that it sees the tasks the API enqueues.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Database.DSN == "" {
				e.logger.Warn("worker started with in-memory stores; it will only see its own tasks")
			}
			return withApp(cmd.Context(), func(app App) error {
				return app.RunWorkers(cmd.Context())
			})
		},
	}
}
