// Package cmd implements the fieldsync command line interface: run the sync
// engine, serve the remote store, import and export merge bundles, and
// inspect local sync state.
package cmd

import (
	"github.com/spf13/cobra"
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first inventory sync engine",
		Long:          "fieldsync keeps a device-local inventory store reconciled with a shared remote store, queues mutations while offline, and merges export bundles from agents that were never online at the same time.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cfg := bindConfig(rootCmd)

	rootCmd.AddCommand(
		newVersionCmd(),
		newSyncCmd(cfg),
		newServeCmd(cfg),
		newStatusCmd(cfg),
		newImportCmd(cfg),
		newExportCmd(cfg),
		newAgentCmd(cfg),
	)
	return rootCmd
}
