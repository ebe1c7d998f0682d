// Package fieldsync provides an offline-first synchronization engine for a
// shared inventory entity set. Disconnected agents record mutations against a
// local durable store; the engine replays them to a remote authoritative
// store when connectivity returns, reconciles remote state against local
// state under per-collection conflict policies, and merges export bundles
// produced by other agents that were never online at the same time.
package fieldsync

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/entity"
	"github.com/fieldsync/fieldsync/merge"
)

// Action is the kind of a queued local mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entry is one pending local mutation awaiting remote confirmation. Entries
// are replay input, never materialized state: the queue owns intents only.
type Entry struct {
	ID         string            `json:"id"`
	Action     Action            `json:"action"`
	Collection entity.Collection `json:"collection"`
	EntityID   string            `json:"entityId"`
	Payload    []byte            `json:"payload"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Origin     string            `json:"origin"`
}

// Decode parses the entry payload into its typed entity.
func (e Entry) Decode() (entity.Entity, error) {
	return entity.Decode(e.Collection, e.Payload)
}

// MutationQueue is an ordered, durable log of pending local mutations.
// Entries are applied to the remote store in FIFO order per collection and
// removed only after the remote store acknowledges the corresponding write.
type MutationQueue interface {
	// Enqueue durably records a mutation before returning.
	Enqueue(ctx context.Context, action Action, e entity.Entity, origin string) (Entry, error)

	// Drain returns all entries in enqueue order without removing them.
	// Implementations must re-read the persistent log on every call; the
	// log is the sole ordering authority.
	Drain(ctx context.Context) ([]Entry, error)

	// Acknowledge removes an entry after its remote write succeeded.
	Acknowledge(ctx context.Context, entryID string) error

	// HasPending reports whether any entry for the given entity remains.
	HasPending(ctx context.Context, col entity.Collection, id string) (bool, error)

	// Len returns the number of pending entries.
	Len(ctx context.Context) (int, error)

	Close() error
}

// LocalStore is the on-device persistent table set, one logical table per
// collection, keyed by entity id. It is the only source of truth while
// offline. Writes to the same entity id are serialized by implementations.
type LocalStore interface {
	Get(ctx context.Context, col entity.Collection, id string) (entity.Entity, error)
	GetAll(ctx context.Context, col entity.Collection) ([]entity.Entity, error)
	Put(ctx context.Context, e entity.Entity) error
	Delete(ctx context.Context, col entity.Collection, id string) error

	// LastSyncTime returns the completion time of the last reconciliation
	// pass, or the zero time when no pass has completed.
	LastSyncTime(ctx context.Context) (time.Time, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error

	// Settings holds the reference-data collections (categories, locations,
	// …) merged additively by the file merge engine.
	Settings(ctx context.Context) (map[string]any, error)
	SetSettings(ctx context.Context, settings map[string]any) error

	Close() error
}

// ErrNotFound is returned by LocalStore.Get for an unknown entity id.
var ErrNotFound = errors.New("entity not found")

// Scope limits remote queries and subscriptions to the caller's visibility.
// The partitioning rule itself is an external-collaborator concern; the
// engine only forwards the predicate.
type Scope struct {
	// All requests the full collection (elevated visibility).
	All bool
	// WorkerID filters to the caller's own partition when All is false.
	WorkerID string
}

// ChangeType classifies an incoming live change event.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one live update pushed from the remote store.
type Change struct {
	Type       ChangeType
	Collection entity.Collection
	Entity     entity.Entity
	// Origin is the declared origin agent of the underlying write, used to
	// drop echoes of this agent's own mutations.
	Origin string
}

// Subscription is a handle to one live change subscription. After Close
// returns, the subscription delivers no further events.
type Subscription interface {
	Close() error
}

// RemoteStore is the cross-agent authority once an entity has synced. The
// engine requires only eventual per-document consistency and a per-document
// updatedAt timestamp.
type RemoteStore interface {
	Create(ctx context.Context, e entity.Entity) error
	Update(ctx context.Context, e entity.Entity) error
	Delete(ctx context.Context, col entity.Collection, id string) error
	Query(ctx context.Context, col entity.Collection, scope Scope) ([]entity.Entity, error)
	Subscribe(ctx context.Context, col entity.Collection, scope Scope, handler func(Change)) (Subscription, error)

	// Ping reports reachability; used by the connectivity monitor's prober.
	Ping(ctx context.Context) error

	Close() error
}

// SyncState is the engine's externally visible status.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateOffline SyncState = "offline"
	StateError   SyncState = "error"
)

// ConflictRecord captures a divergence detected under Manual policy. It is
// surfaced exactly once per detected divergence and retained on the engine
// until a human resolves it.
type ConflictRecord struct {
	ID         string
	Collection entity.Collection
	Local      entity.Entity
	Remote     entity.Entity
	DetectedAt time.Time
}

// SyncResult summarizes one reconciliation pass. Per-entry failures are
// recorded in Errors and do not fail the pass.
type SyncResult struct {
	StartTime         time.Time
	Duration          time.Duration
	Pushed            int
	Pulled            int
	ConflictsDetected int
	Errors            []error
}

// EntityState is the two-state per-entity sync lifecycle, tracked via queue
// membership.
type EntityState string

const (
	// StatePending means at least one local mutation awaits remote
	// acknowledgment.
	StatePending EntityState = "pending"
	// StateConfirmed means the remote store has acknowledged every local
	// mutation for the entity.
	StateConfirmed EntityState = "confirmed"
)

// Hooks are the render callbacks at the presentation boundary. The engine
// only calls out; it never reads from the presentation layer. All fields are
// optional.
type Hooks struct {
	OnEntityChanged     func(col entity.Collection, id string)
	OnSyncStatusChanged func(state SyncState)
	OnConflictsDetected func(conflicts []ConflictRecord)
	OnMergeReportReady  func(report *merge.Report)
}

func (h Hooks) entityChanged(col entity.Collection, id string) {
	if h.OnEntityChanged != nil {
		h.OnEntityChanged(col, id)
	}
}

func (h Hooks) statusChanged(state SyncState) {
	if h.OnSyncStatusChanged != nil {
		h.OnSyncStatusChanged(state)
	}
}

func (h Hooks) conflictsDetected(conflicts []ConflictRecord) {
	if h.OnConflictsDetected != nil {
		h.OnConflictsDetected(conflicts)
	}
}

func (h Hooks) mergeReportReady(report *merge.Report) {
	if h.OnMergeReportReady != nil {
		h.OnMergeReportReady(report)
	}
}
