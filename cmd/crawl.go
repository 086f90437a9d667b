package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand, which only discovers case records.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discover case records for a date range",
		Long: `Walks the public search listing for every partition of the date range and
upserts one case record per decision into the raw collection. Documents are
not downloaded.`,
		RunE: runCrawlCommand,
	}
	addDateRangeFlags(cmd)
	cmd.Flags().String("partition", "", "crawl partition: monthly, weekly or daily")
	cmd.Flags().String("collection", "", "raw collection that receives case records")
	bindFlag(cmd.Flags(), "partition", "crawler.partition")
	bindFlag(cmd.Flags(), "collection", "metadata.raw_collection")
	_ = cmd.MarkFlagRequired("start-date")
	_ = cmd.MarkFlagRequired("end-date")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	start, end, err := dateRange(cmd, time.Time{})
	if err != nil {
		return err
	}
	partition, err := crawler.ParsePartition(appInstance.Config().Crawler.Partition)
	if err != nil {
		return err
	}
	c, err := appInstance.Crawler()
	if err != nil {
		return err
	}

	summary, err := c.Run(cmd.Context(), crawler.Request{Start: start, End: end, Partition: partition})
	if err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	appInstance.Logger().Info("crawl command finished",
		zap.Int("partitions", summary.Partitions),
		zap.Int("pages", summary.Pages),
		zap.Int("discovered", summary.Discovered),
		zap.Int("upserted", summary.Upserted),
		zap.Int("rejected", summary.Rejected))
	fmt.Fprintf(cmd.OutOrStdout(), "crawl: partitions=%d pages=%d discovered=%d upserted=%d rejected=%d\n",
		summary.Partitions, summary.Pages, summary.Discovered, summary.Upserted, summary.Rejected)
	return nil
}
