package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newExportCmd(cfg *config) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local store to an export bundle",
		Long:  "Snapshots the local asset set and settings into a bundle file another agent can import, stamped with this agent's identity.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			path := output
			if path == "" {
				path = fmt.Sprintf("fieldsync-%s-%s.json",
					app.engine.Agent().ID, time.Now().Format("20060102-150405"))
			}
			if err := app.engine.ExportBundle(ctx, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "bundle file path (default derived from agent and time)")
	return cmd
}
