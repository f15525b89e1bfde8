// Package cmd defines the ghcrawl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/app"
	"github.com/JakeFAU/github-star-crawler/internal/config"
	"github.com/JakeFAU/github-star-crawler/internal/logging"
	"github.com/JakeFAU/github-star-crawler/internal/orchestrator"
)

// runtimeKeyType keys the loaded runtime in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what the root command prepares for every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Crawler is the part of *app.App the crawl command drives. Tests swap in a
// fake through newCrawler.
type Crawler interface {
	RunID() string
	Run(ctx context.Context) (orchestrator.Result, error)
	Close(ctx context.Context) error
}

var newCrawler = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...app.Option) (Crawler, error) {
	return app.Build(ctx, cfg, logger, opts...)
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		dev     bool
	)
	cmd := &cobra.Command{
		Use:   "ghcrawl",
		Short: "Crawls GitHub repository star counts through the GraphQL search API.",
		Long: `ghcrawl partitions the repository search space by language, creation date
and star range, pages through every partition within the API quota, and upserts
the repositories and their daily star history into a relational store.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development || dev)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env overrides use the GHCRAWL_ prefix)")
	cmd.PersistentFlags().BoolVar(&dev, "dev", false, "use the development logger")

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
