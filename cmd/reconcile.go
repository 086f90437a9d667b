package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reset downloaded records whose landing blob is missing",
		RunE:  runReconcileCommand,
	}
	cmd.Flags().String("collection", "", "raw collection to reconcile")
	bindFlag(cmd.Flags(), "collection", "metadata.raw_collection")
	return cmd
}

func runReconcileCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	d, err := appInstance.Downloader()
	if err != nil {
		return err
	}
	reset, err := d.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile landing zone: %w", err)
	}
	appInstance.Logger().Info("reconcile command finished", zap.Int("reset", reset))
	fmt.Fprintf(cmd.OutOrStdout(), "reconcile: reset=%d\n", reset)
	return nil
}
