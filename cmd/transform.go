package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/transformer"
)

func newTransformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Clean landing documents into the curated zone",
		RunE:  runTransformCommand,
	}
	addDateRangeFlags(cmd)
	cmd.Flags().String("landing-collection", "", "raw collection holding downloaded case records")
	cmd.Flags().String("curated-collection", "", "collection that receives curated records")
	cmd.Flags().StringSlice("ids", nil, "only these case identifiers")
	cmd.Flags().Bool("force", false, "re-clean records that are already curated")
	cmd.Flags().Int("limit", 0, "maximum number of records to process (0 = no limit)")
	bindFlag(cmd.Flags(), "landing-collection", "metadata.raw_collection")
	bindFlag(cmd.Flags(), "curated-collection", "metadata.curated_collection")
	return cmd
}

func runTransformCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts, err := transformOptions(cmd)
	if err != nil {
		return err
	}
	t, err := appInstance.Transformer()
	if err != nil {
		return err
	}

	summary, err := t.Run(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("run transformer: %w", err)
	}
	appInstance.Logger().Info("transform command finished",
		zap.Int("selected", summary.Selected),
		zap.Int("cleaned", summary.Cleaned),
		zap.Int("failed", summary.Failed),
		zap.Int("reset", summary.Reset),
		zap.Int("published", summary.Published))
	fmt.Fprintf(cmd.OutOrStdout(), "transform: selected=%d cleaned=%d failed=%d reset=%d published=%d\n",
		summary.Selected, summary.Cleaned, summary.Failed, summary.Reset, summary.Published)
	return nil
}

func transformOptions(cmd *cobra.Command) (transformer.Options, error) {
	var opts transformer.Options
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
	if opts.From != nil && opts.To != nil && opts.From.After(*opts.To) {
		return opts, fmt.Errorf("--start-date %s is after --end-date %s",
			opts.From.Format(time.DateOnly), opts.To.Format(time.DateOnly))
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
