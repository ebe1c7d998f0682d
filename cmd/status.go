package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(cfg *config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.engine.Status(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			agent := app.engine.Agent()
			fmt.Fprintf(cmd.OutOrStdout(), "agent:        %s (%s)\n", agent.ID, agent.DisplayName)
			fmt.Fprintf(cmd.OutOrStdout(), "pending:      %d\n", st.PendingCount)
			fmt.Fprintf(cmd.OutOrStdout(), "conflicts:    %d\n", st.ConflictCount)
			if st.LastSyncTime.IsZero() {
				fmt.Fprintln(cmd.OutOrStdout(), "last sync:    never")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "last sync:    %s\n", st.LastSyncTime.Local())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}
