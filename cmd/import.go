package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newImportCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle.json> [more bundles...]",
		Short: "Merge export bundles into the local store",
		Long:  "Merges one or more export bundle files into the local store, in the order given, deduplicating assets by name, serial number and barcode. Prints the merge report.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.engine.ImportBundles(ctx, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "files:      %d valid of %d\n", report.ValidFiles, report.TotalFiles)
			fmt.Fprintf(out, "assets:     %d total, %d new, %d updated, %d duplicate\n",
				report.TotalAssets, report.NewAssets, report.UpdatedAssets, report.DuplicateAssets)
			for agentID, summary := range report.PerAgent {
				fmt.Fprintf(out, "agent %-12s %s (%s): %d assets\n", agentID, summary.Name, summary.Area, summary.Assets)
			}
			for _, msg := range report.Errors {
				fmt.Fprintf(out, "error: %s\n", msg)
			}
			return nil
		},
	}
}
