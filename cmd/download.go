package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/downloader"
)

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Fetch pending case documents into the landing zone",
		RunE:  runDownloadCommand,
	}
	addDateRangeFlags(cmd)
	cmd.Flags().String("collection", "", "raw collection to read case records from")
	cmd.Flags().StringSlice("ids", nil, "only these case identifiers")
	cmd.Flags().Bool("force", false, "download records that are already downloaded")
	cmd.Flags().Int("limit", 0, "maximum number of records to process (0 = no limit)")
	bindFlag(cmd.Flags(), "collection", "metadata.raw_collection")
	return cmd
}

func runDownloadCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts, err := downloadOptions(cmd)
	if err != nil {
		return err
	}
	d, err := appInstance.Downloader()
	if err != nil {
		return err
	}

	summary, err := d.Run(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("run downloader: %w", err)
	}
	appInstance.Logger().Info("download command finished",
		zap.Int("selected", summary.Selected),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("failed", summary.Failed),
		zap.Int("reset", summary.Reset))
	fmt.Fprintf(cmd.OutOrStdout(), "download: selected=%d downloaded=%d failed=%d reset=%d\n",
		summary.Selected, summary.Downloaded, summary.Failed, summary.Reset)
	return nil
}

func downloadOptions(cmd *cobra.Command) (downloader.Options, error) {
	var opts downloader.Options
	flags := cmd.Flags()
	start, _ := flags.GetString("start-date")
	end, _ := flags.GetString("end-date")
	var err error
	if opts.From, err = optionalDate("start-date", start); err != nil {
		return opts, err
	}
	if opts.To, err = optionalDate("end-date", end); err != nil {
		return opts, err
	}
	if opts.IDs, err = flags.GetStringSlice("ids"); err != nil {
		return opts, err
	}
	if opts.Force, err = flags.GetBool("force"); err != nil {
		return opts, err
	}
	if opts.Limit, err = flags.GetInt("limit"); err != nil {
		return opts, err
	}
	if opts.Limit < 0 {
		return opts, fmt.Errorf("--limit must be >= 0")
	}
	return opts, nil
}
