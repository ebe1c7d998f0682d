package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/storage/sqlite"
)

func newAgentCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage this device's agent identity",
	}
	cmd.AddCommand(newAgentShowCmd(cfg), newAgentRegisterCmd(cfg))
	return cmd
}

// openStore opens only the local store, for commands that need no engine.
func openStore(cfg *config) (*sqlite.Store, error) {
	cfg.initLogging()
	dataDir := cfg.dataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return sqlite.NewWithDataSource(filepath.Join(dataDir, "local.db"))
}

func newAgentShowCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the registered agent identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			agent, err := store.Agent(cmd.Context())
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("no agent registered; run 'fieldsync agent register' first")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\nname:  %s\narea:  %s\n",
				agent.ID, agent.DisplayName, agent.Area)
			return nil
		},
	}
}

func newAgentRegisterCmd(cfg *config) *cobra.Command {
	var name, area string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device as a named agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			agent, err := store.Agent(ctx)
			if err != nil {
				return err
			}
			if agent == nil {
				agent = &entity.AgentIdentity{ID: uuid.NewString()}
			}
			agent.DisplayName = name
			agent.Area = area
			if err := store.SetAgent(ctx, *agent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %q (%s)\n", agent.ID, name, area)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for this agent")
	cmd.Flags().StringVar(&area, "area", "", "area or site this agent operates in")
	return cmd
}
