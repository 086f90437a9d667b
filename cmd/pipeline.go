package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
	"github.com/JakeFAU/decisions-pipeline/internal/orchestrator"
)

// now is swapped in tests that depend on the default window.
var now = time.Now

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Crawl, download and transform in one run",
		Long: `Runs the three stages in order: discover case records for the date range,
download every eligible document into the landing zone, then clean every
eligible landing document into the curated zone. The range defaults to yesterday.`,
		RunE: runPipelineCommand,
	}
	addDateRangeFlags(cmd)
	cmd.Flags().String("partition", "", "crawl partition: monthly, weekly or daily")
	bindFlag(cmd.Flags(), "partition", "crawler.partition")
	return cmd
}

func runPipelineCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	start, end, err := dateRange(cmd, yesterday(now()))
	if err != nil {
		return err
	}
	partition, err := crawler.ParsePartition(appInstance.Config().Crawler.Partition)
	if err != nil {
		return err
	}
	orch, err := appInstance.Orchestrator()
	if err != nil {
		return err
	}

	summary, err := orch.Run(cmd.Context(), orchestrator.Request{Start: start, End: end, Partition: partition})
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	appInstance.Logger().Info("pipeline command finished",
		zap.String("run_id", summary.RunID),
		zap.Int("discovered", summary.Discovered()),
		zap.Int("downloaded", summary.Downloaded()),
		zap.Int("transformed", summary.Transformed()),
		zap.Int("failed", summary.Failed()))
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: discovered=%d downloaded=%d transformed=%d failed=%d\n",
		summary.RunID, summary.Discovered(), summary.Downloaded(), summary.Transformed(), summary.Failed())
	return nil
}
