// Package queue provides the durable SQLite-backed mutation queue. The
// persistent log's AUTOINCREMENT sequence is the sole ordering authority:
// every drain re-reads it rather than caching an in-memory copy.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logging"
)

const (
	opEnqueue     = "queue.Enqueue"
	opDrain       = "queue.Drain"
	opAcknowledge = "queue.Acknowledge"
)

var (
	ErrQueueClosed   = errors.New("queue is closed")
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Config holds configuration for the mutation queue.
type Config struct {
	// DataSourceName is the SQLite connection string. The queue may share a
	// database file with the local store or use its own.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode; recommended and on by
	// default through DefaultConfig.
	EnableWAL bool

	// TableName defaults to "mutations".
	TableName string
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "mutations"
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	cfg := &Config{DataSourceName: dataSourceName, EnableWAL: true}
	cfg.setDefaults()
	return cfg
}

// Queue is the SQLite mutation queue.
type Queue struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	tableName string
	logger    *logging.Logger
}

// Compile-time check against the engine contract.
var _ fieldsync.MutationQueue = (*Queue)(nil)

// New opens (and if necessary creates) the mutation queue.
func New(config *Config) (*Queue, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	q := &Queue{
		db:        db,
		tableName: config.TableName,
		logger:    logging.WithComponent("queue"),
	}
	if err := q.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup queue schema: %w", err)
	}
	return q, nil
}

func (q *Queue) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        entry_id     TEXT NOT NULL UNIQUE,
        action       TEXT NOT NULL,
        collection   TEXT NOT NULL,
        entity_id    TEXT NOT NULL,
        payload      TEXT,
        enqueued_at  TIMESTAMP NOT NULL,
        origin       TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s (collection, entity_id);
    `, q.tableName, q.tableName, q.tableName)
	_, err := q.db.Exec(query)
	return err
}

// Enqueue durably records a mutation; the INSERT is committed before Enqueue
// returns. Stacked updates to the same entity produce multiple entries,
// applied in order, so the final remote state reflects the last local write.
func (q *Queue) Enqueue(ctx context.Context, action fieldsync.Action, e entity.Entity, origin string) (fieldsync.Entry, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fieldsync.Entry{}, ErrQueueClosed
	}
	q.mu.RUnlock()

	payload, err := entity.Encode(e)
	if err != nil {
		return fieldsync.Entry{}, syncErrors.WrapOpComponentKind(err, opEnqueue, "queue", syncErrors.KindInvalid)
	}

	entry := fieldsync.Entry{
		ID:         uuid.NewString(),
		Action:     action,
		Collection: e.Collection(),
		EntityID:   e.EntityID(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Origin:     origin,
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (entry_id, action, collection, entity_id, payload, enqueued_at, origin) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.tableName)
	_, err = q.db.ExecContext(ctx, query,
		entry.ID, string(entry.Action), string(entry.Collection), entry.EntityID,
		string(entry.Payload), entry.EnqueuedAt, entry.Origin)
	if err != nil {
		return fieldsync.Entry{}, syncErrors.WrapOpComponentKind(err, opEnqueue, "queue", syncErrors.KindStorage)
	}
	return entry, nil
}

// Drain returns all pending entries in enqueue order without removing them.
func (q *Queue) Drain(ctx context.Context) ([]fieldsync.Entry, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	q.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT entry_id, action, collection, entity_id, payload, enqueued_at, origin FROM %s ORDER BY seq ASC`,
		q.tableName)
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opDrain, "queue", syncErrors.KindStorage)
	}
	defer rows.Close()

	var entries []fieldsync.Entry
	for rows.Next() {
		var e fieldsync.Entry
		var action, collection, payload string
		if err := rows.Scan(&e.ID, &action, &collection, &e.EntityID, &payload, &e.EnqueuedAt, &e.Origin); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		e.Action = fieldsync.Action(action)
		e.Collection = entity.Collection(collection)
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during queue row iteration: %w", err)
	}
	return entries, nil
}

// Acknowledge removes an entry after the remote store confirmed its write.
// Failing to call this leaves the entry eligible for retry on the next drain.
func (q *Queue) Acknowledge(ctx context.Context, entryID string) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE entry_id = ?`, q.tableName)
	res, err := q.db.ExecContext(ctx, query, entryID)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opAcknowledge, "queue", syncErrors.KindStorage)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opAcknowledge, "queue", syncErrors.KindStorage)
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// HasPending reports whether any entry for the given entity remains queued.
func (q *Queue) HasPending(ctx context.Context, col entity.Collection, id string) (bool, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return false, ErrQueueClosed
	}
	q.mu.RUnlock()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE collection = ? AND entity_id = ?`, q.tableName)
	if err := q.db.QueryRowContext(ctx, query, string(col), id).Scan(&count); err != nil {
		return false, syncErrors.WrapOpComponentKind(err, opDrain, "queue", syncErrors.KindStorage)
	}
	return count > 0, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrQueueClosed
	}
	q.mu.RUnlock()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.tableName)
	if err := q.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, syncErrors.WrapOpComponentKind(err, opDrain, "queue", syncErrors.KindStorage)
	}
	return count, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
