// Package sqlite implements the on-device persistent store backing the sync
// engine. Entities live in a single table partitioned by collection; sync
// bookkeeping (last sync time, reference-data settings, agent identity) lives
// in a small key/value table alongside it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logging"
)

const (
	metaKeyLastSync = "last_sync_time"
	metaKeySettings = "settings"
	metaKeyAgent    = "agent"
)

// Config holds SQLite connection configuration.
type Config struct {
	// DataSourceName is the SQLite connection string.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging for better concurrency.
	EnableWAL bool

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with production-ready defaults: WAL mode
// enabled and a bounded connection pool.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite-backed LocalStore.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check that Store satisfies the LocalStore interface.
var _ fieldsync.LocalStore = (*Store)(nil)

// New opens the local store, creating the schema on first use.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent("local-store")
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return store, nil
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS entities (
        collection  TEXT NOT NULL,
        id          TEXT NOT NULL,
        data        TEXT NOT NULL,
        created_at  TIMESTAMP NOT NULL,
        updated_at  TIMESTAMP NOT NULL,
        PRIMARY KEY (collection, id)
    );
    CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities (collection, updated_at);

    CREATE TABLE IF NOT EXISTS sync_meta (
        key    TEXT PRIMARY KEY,
        value  TEXT NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.E(syncErrors.Operation("store.Access"), syncErrors.Component("local-store"), syncErrors.KindUnavailable, "store is closed")
	}
	return nil
}

// Get loads a single entity. Returns fieldsync.ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, col entity.Collection, id string) (entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !col.Valid() {
		return nil, syncErrors.E(syncErrors.Operation("store.Get"), syncErrors.KindInvalid, fmt.Sprintf("unknown collection %q", col))
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM entities WHERE collection = ? AND id = ?`,
		string(col), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fieldsync.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, "store.Get", "local-store", syncErrors.KindStorage)
	}
	return entity.Decode(col, []byte(data))
}

// GetAll loads every entity in a collection.
func (s *Store) GetAll(ctx context.Context, col entity.Collection) ([]entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !col.Valid() {
		return nil, syncErrors.E(syncErrors.Operation("store.GetAll"), syncErrors.KindInvalid, fmt.Sprintf("unknown collection %q", col))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM entities WHERE collection = ? ORDER BY id ASC`, string(col))
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, "store.GetAll", "local-store", syncErrors.KindStorage)
	}
	defer rows.Close()

	var entities []entity.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		e, err := entity.Decode(col, []byte(data))
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during entity row iteration: %w", err)
	}
	return entities, nil
}

// Put upserts an entity, keyed by collection and id. The original created_at
// is preserved across updates.
func (s *Store) Put(ctx context.Context, e entity.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := entity.Encode(e)
	if err != nil {
		return err
	}
	meta := e.EntityMeta()

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO entities (collection, id, data, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (collection, id) DO UPDATE SET
            data = excluded.data,
            updated_at = excluded.updated_at`,
		string(e.Collection()), e.EntityID(), string(data), meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, "store.Put", "local-store", syncErrors.KindStorage)
	}
	return nil
}

// Delete removes an entity. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, col entity.Collection, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE collection = ? AND id = ?`, string(col), id)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, "store.Delete", "local-store", syncErrors.KindStorage)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncErrors.WrapOpComponentKind(err, "store.Meta", "local-store", syncErrors.KindStorage)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_meta (key, value) VALUES (?, ?)
        ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, "store.Meta", "local-store", syncErrors.KindStorage)
	}
	return nil
}

// LastSyncTime returns the completion time of the last reconciliation pass,
// or the zero time when no pass has completed yet.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	value, ok, err := s.getMeta(ctx, metaKeyLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, syncErrors.WrapOpComponentKind(err, "store.LastSyncTime", "local-store", syncErrors.KindMalformed)
	}
	return t, nil
}

// SetLastSyncTime records the completion time of a reconciliation pass.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.setMeta(ctx, metaKeyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// Settings returns the reference-data settings map, empty when never set.
func (s *Store) Settings(ctx context.Context) (map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	value, ok, err := s.getMeta(ctx, metaKeySettings)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{}, nil
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(value), &settings); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, "store.Settings", "local-store", syncErrors.KindMalformed)
	}
	return settings, nil
}

// SetSettings replaces the stored settings map.
func (s *Store) SetSettings(ctx context.Context, settings map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, "store.Settings", "local-store", syncErrors.KindInvalid)
	}
	return s.setMeta(ctx, metaKeySettings, string(data))
}

// Agent returns the persisted device identity, or nil when not yet set.
func (s *Store) Agent(ctx context.Context) (*entity.AgentIdentity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	value, ok, err := s.getMeta(ctx, metaKeyAgent)
	if err != nil || !ok {
		return nil, err
	}
	var agent entity.AgentIdentity
	if err := json.Unmarshal([]byte(value), &agent); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, "store.Agent", "local-store", syncErrors.KindMalformed)
	}
	return &agent, nil
}

// SetAgent persists the device identity.
func (s *Store) SetAgent(ctx context.Context, agent entity.AgentIdentity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, "store.Agent", "local-store", syncErrors.KindInvalid)
	}
	return s.setMeta(ctx, metaKeyAgent, string(data))
}

// Close closes the underlying database handle. Further calls on the store
// return an unavailable error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("Closing SQLite database")
	return s.db.Close()
}
