package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/github-star-crawler/internal/app"
	"github.com/JakeFAU/github-star-crawler/internal/crawler"
	"github.com/JakeFAU/github-star-crawler/internal/orchestrator"
)

const closeTimeout = 30 * time.Second

type crawlFlags struct {
	runID  string
	target int
	reset  bool
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl",
		Long: `Runs one crawl over the configured partitions until the target count is
reached or every partition is exhausted. SIGINT or SIGTERM stops dispatching,
lets in-flight pages finish and flushes what was buffered. The exit status is
non-zero only when the crawl aborts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "reuse an existing run ID instead of generating one")
	cmd.Flags().IntVar(&flags.target, "target", 0, "override crawler.target_count (0 crawls until drained)")
	cmd.Flags().BoolVar(&flags.reset, "reset", false, "clear checkpoints before crawling")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if cmd.Flags().Changed("target") {
		cfg.Crawler.TargetCount = flags.target
	}
	if flags.reset {
		cfg.Checkpoint.Reset = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if flags.runID != "" {
		opts = append(opts, app.WithRunID(flags.runID))
	}
	c, err := newCrawler(ctx, cfg, rt.logger, opts...)
	if err != nil {
		return fmt.Errorf("initialize crawler: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := c.Close(closeCtx); cerr != nil {
			rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	res, err := c.Run(ctx)
	if err != nil {
		return err
	}
	printResult(cmd, res)
	if res.Status == crawler.StatusAborted {
		return fmt.Errorf("crawl %s aborted: %w", res.RunID, res.Cause)
	}
	return nil
}

func printResult(cmd *cobra.Command, res orchestrator.Result) {
	out := cmd.OutOrStdout()
	if res.Status == crawler.StatusAborted {
		fmt.Fprintf(out, "run %s aborted after %s: %v\n", res.RunID, res.Duration.Round(time.Millisecond), res.Cause)
	} else {
		fmt.Fprintf(out, "run %s completed (%s) in %s\n", res.RunID, res.Reason, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "fetched=%d written=%d partitions_done=%d partitions_failed=%d failed_batches=%d\n",
		res.Fetched, res.Written, res.PartitionsDone, len(res.PartitionsFailed), res.FailedBatches)
}
