// Package cmd defines the crawlq command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/dispatcher"
	"github.com/JakeFAU/crawlq/internal/logging"
	"github.com/JakeFAU/crawlq/internal/server"
)

var cfgFile string

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// App is the part of server.App the commands use. Tests swap in a fake.
type App interface {
	Serve(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	SweepOnce(ctx context.Context) (dispatcher.SweepResult, error)
	Close(ctx context.Context)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.New(ctx, cfg, logger)
}

// migrate applies the database schema.
var migrate = server.Migrate

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlq",
		Short: "A multi-tenant scrape and crawl job service.",
		Long: `crawlq accepts scrape and crawl jobs over HTTP, charges them against
per-team credit balances and runs them on a pool of leasing workers with
per-team concurrency limits, politeness and retries.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env vars with the CRAWLQ_ prefix override it)")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newSweepCmd(), newMigrateCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the App, runs fn and closes the App within the shutdown timeout.
func withApp(ctx context.Context, fn func(App) error) error {
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(e.cfg))
		defer cancel()
		app.Close(closeCtx)
	}()
	return fn(app)
}

func shutdownTimeout(cfg config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Execute is the main entry point.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
