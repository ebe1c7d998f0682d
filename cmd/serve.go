package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/storage/sqlite"
	"github.com/fieldsync/fieldsync/transport/httpremote"
	"github.com/fieldsync/fieldsync/transport/ws"
)

func newServeCmd(cfg *config) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a remote store server",
		Long:  "Serves the collection CRUD API and the live change feed that agent devices sync against, backed by a SQLite store in the data directory.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.initLogging()

			dataDir := cfg.dataDir()
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			store, err := sqlite.NewWithDataSource(filepath.Join(dataDir, "server.db"))
			if err != nil {
				return fmt.Errorf("open server store: %w", err)
			}
			defer store.Close()

			hub := ws.NewHub()
			defer hub.Close()

			server := &http.Server{
				Addr:              addr,
				Handler:           httpremote.NewHandler(store, hub),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", addr)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-sigCh:
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
