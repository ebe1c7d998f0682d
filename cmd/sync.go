package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync"
)

func newSyncCmd(cfg *config) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a reconciliation pass against the remote store",
		Long:  "Pushes queued local mutations, pulls and reconciles remote state, and reports the result. With --watch, keeps running with periodic passes, connectivity probing and live change subscriptions.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if !watch {
				result, err := app.engine.PerformFullSync(ctx)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"pushed %d, pulled %d, conflicts %d, errors %d (%s)\n",
					result.Pushed, result.Pulled, result.ConflictsDetected,
					len(result.Errors), result.Duration.Round(time.Millisecond))
				return nil
			}

			app.monitor.Start(ctx)
			if err := app.engine.StartAutoSync(ctx); err != nil {
				return err
			}

			listener := fieldsync.NewListener(fieldsync.ListenerConfig{
				Remote:  app.remote,
				Store:   app.store,
				AgentID: app.engine.Agent().ID,
			})
			if err := listener.Start(ctx, fieldsync.Scope{All: true}); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "live subscriptions unavailable: %v\n", err)
			} else {
				defer listener.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "watching; press Ctrl+C to stop")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-ctx.Done():
			}
			return app.engine.StopAutoSync()
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	return cmd
}
