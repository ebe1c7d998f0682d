package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/logging"
	"github.com/fieldsync/fieldsync/queue"
	"github.com/fieldsync/fieldsync/storage/sqlite"
	"github.com/fieldsync/fieldsync/transport/httpremote"
)

// config is the CLI-level configuration, resolved flag > env > default.
// Environment variables use the FIELDSYNC_ prefix (FIELDSYNC_REMOTE_URL,
// FIELDSYNC_DATA_DIR, ...).
type config struct {
	v *viper.Viper
}

func bindConfig(rootCmd *cobra.Command) *config {
	v := viper.New()
	v.SetEnvPrefix("FIELDSYNC")
	v.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", defaultDataDir(), "directory for the local store and queue databases")
	flags.String("remote-url", "http://localhost:8080", "base URL of the remote store server")
	flags.Duration("sync-interval", 60*time.Second, "periodic reconciliation cadence")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.StringToString("policy", nil, "per-collection conflict policy overrides, e.g. assets=manual,logs=client_wins")

	v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	v.BindPFlag("remote_url", flags.Lookup("remote-url"))
	v.BindPFlag("sync_interval", flags.Lookup("sync-interval"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("log_format", flags.Lookup("log-format"))
	v.BindPFlag("policy", flags.Lookup("policy"))

	return &config{v: v}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

func (c *config) dataDir() string             { return c.v.GetString("data_dir") }
func (c *config) remoteURL() string           { return c.v.GetString("remote_url") }
func (c *config) syncInterval() time.Duration { return c.v.GetDuration("sync_interval") }

// policies builds the conflict policy map: the defaults overlaid with any
// --policy overrides. Unknown collections or strategies are rejected rather
// than silently ignored.
func (c *config) policies() (fieldsync.PolicyMap, error) {
	policies := fieldsync.DefaultPolicies()
	for name, value := range c.v.GetStringMapString("policy") {
		col := entity.Collection(name)
		if !col.Valid() {
			return nil, fmt.Errorf("unknown collection %q in policy override", name)
		}
		strategy := fieldsync.Strategy(value)
		if !strategy.Valid() {
			return nil, fmt.Errorf("unknown strategy %q for collection %q", value, name)
		}
		policies[col] = strategy
	}
	return policies, nil
}

func (c *config) initLogging() {
	logCfg := logging.DefaultConfig
	logCfg.Level = c.v.GetString("log_level")
	logCfg.Format = c.v.GetString("log_format")
	logging.Init(logCfg)
}

// app bundles the wired engine components for one command invocation.
type app struct {
	engine  *fieldsync.Engine
	store   *sqlite.Store
	remote  *httpremote.Client
	monitor *fieldsync.Monitor
}

// wireApp opens the local store and queue, connects the remote client, and
// assembles the engine. Callers own app.Close.
func wireApp(ctx context.Context, cfg *config) (*app, error) {
	cfg.initLogging()

	dataDir := cfg.dataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := sqlite.NewWithDataSource(filepath.Join(dataDir, "local.db"))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	q, err := queue.New(queue.DefaultConfig(filepath.Join(dataDir, "queue.db")))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open mutation queue: %w", err)
	}

	agent, err := store.Agent(ctx)
	if err != nil {
		q.Close()
		store.Close()
		return nil, fmt.Errorf("load agent identity: %w", err)
	}
	if agent == nil {
		agent = &entity.AgentIdentity{ID: "unregistered"}
	}

	policies, err := cfg.policies()
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	remote := httpremote.NewClient(cfg.remoteURL(), agent.ID, nil)
	monitor := fieldsync.NewMonitor(fieldsync.MonitorConfig{
		Prober: fieldsync.RemoteProber(remote),
	})

	engine, err := fieldsync.NewEngine(fieldsync.Options{
		Store:        store,
		Queue:        q,
		Remote:       remote,
		Monitor:      monitor,
		Agent:        *agent,
		Scope:        fieldsync.Scope{All: true},
		Policies:     policies,
		SyncInterval: cfg.syncInterval(),
	})
	if err != nil {
		q.Close()
		store.Close()
		return nil, fmt.Errorf("assemble engine: %w", err)
	}

	return &app{engine: engine, store: store, remote: remote, monitor: monitor}, nil
}

// Close releases every handle the app owns. The engine closes the store,
// queue and remote itself.
func (a *app) Close() error {
	a.monitor.Stop()
	return a.engine.Close()
}
