package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logging"
)

// ErrSyncInFlight is returned when PerformFullSync is called while another
// pass is running. Triggers from the timer or an online transition swallow
// it; the next trigger naturally re-attempts.
var ErrSyncInFlight = errors.New("sync already in progress")

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Options configures a sync Engine. Store, Queue and Remote are required.
type Options struct {
	Store   LocalStore
	Queue   MutationQueue
	Remote  RemoteStore
	Monitor *Monitor

	// Agent identifies this device; embedded as provenance into every
	// mutation this engine records.
	Agent entity.AgentIdentity

	// Scope limits pull queries and live subscriptions to the caller's
	// visibility partition.
	Scope Scope

	// Policies fixes the per-collection conflict strategy. Defaults to
	// DefaultPolicies when nil.
	Policies PolicyMap

	// SyncInterval is the periodic reconciliation cadence for StartAutoSync.
	// Defaults to 60 seconds.
	SyncInterval time.Duration

	Hooks  Hooks
	Logger *logging.Logger
}

// Engine owns the synchronization state for one agent process: the local
// durable store, the mutation queue, and the remote store handle. It is
// instantiated once per process and passed by reference to all entry points.
type Engine struct {
	store    LocalStore
	queue    MutationQueue
	remote   RemoteStore
	monitor  *Monitor
	agent    entity.AgentIdentity
	scope    Scope
	policies PolicyMap
	interval time.Duration
	hooks    Hooks
	logger   *logging.Logger

	syncing atomic.Bool

	mu            sync.Mutex
	conflicts     map[string]ConflictRecord
	autoSyncStop  chan struct{}
	monitorHooked bool
	closed        bool
}

// NewEngine creates a sync engine from options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Remote == nil {
		return nil, syncErrors.E(syncErrors.OpSync, syncErrors.KindInvalid, "store, queue and remote are required")
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("engine")
	}
	return &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		remote:    opts.Remote,
		monitor:   opts.Monitor,
		agent:     opts.Agent,
		scope:     opts.Scope,
		policies:  opts.Policies,
		interval:  opts.SyncInterval,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
		conflicts: make(map[string]ConflictRecord),
	}, nil
}

// Agent returns this engine's agent identity.
func (e *Engine) Agent() entity.AgentIdentity { return e.agent }

// Record applies a local mutation: an optimistic write to the local store
// plus a durable enqueue of the replay intent. When the monitor reports
// online it additionally attempts a non-blocking opportunistic flush.
func (e *Engine) Record(ctx context.Context, action Action, ent entity.Entity) error {
	if e.isClosed() {
		return ErrEngineClosed
	}

	meta := ent.EntityMeta()
	meta.Touch(time.Now().UTC())
	if meta.Origin == "" {
		meta.Origin = e.agent.ID
	}

	var err error
	switch action {
	case ActionDelete:
		err = e.store.Delete(ctx, ent.Collection(), ent.EntityID())
	case ActionCreate, ActionUpdate:
		err = e.store.Put(ctx, ent)
	default:
		return syncErrors.E(syncErrors.OpStore, syncErrors.KindInvalid, fmt.Errorf("unknown action %q", action))
	}
	if err != nil {
		return syncErrors.NewStorage(syncErrors.OpStore, err)
	}

	if _, err := e.queue.Enqueue(ctx, action, ent, e.agent.ID); err != nil {
		return syncErrors.NewStorage(syncErrors.OpEnqueue, err)
	}

	e.hooks.entityChanged(ent.Collection(), ent.EntityID())

	// Opportunistic flush: never blocks the caller.
	if e.monitor != nil && e.monitor.IsOnline() {
		go e.trySync(context.WithoutCancel(ctx))
	}
	return nil
}

// EntityState reports the two-state sync lifecycle for an entity, derived
// from queue membership.
func (e *Engine) EntityState(ctx context.Context, col entity.Collection, id string) (EntityState, error) {
	pending, err := e.queue.HasPending(ctx, col, id)
	if err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	if pending {
		return StatePending, nil
	}
	return StateConfirmed, nil
}

// trySync runs a full pass and swallows the in-flight short circuit.
func (e *Engine) trySync(ctx context.Context) {
	if _, err := e.PerformFullSync(ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
		e.logger.LogError(ctx, err, "background sync failed")
	}
}

// PerformFullSync runs one reconciliation pass: push queued mutations, pull
// and reconcile remote state, then surface Manual-policy conflicts. At most
// one pass runs at a time; a concurrent caller gets ErrSyncInFlight. The
// pass is successful even with partial per-entry push failures; it fails
// only when phase 2 cannot complete for any collection.
func (e *Engine) PerformFullSync(ctx context.Context) (*SyncResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	defer e.syncing.Store(false)

	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
	}()

	e.hooks.statusChanged(StateSyncing)

	e.pushPhase(ctx, result)

	detected, pullErr := e.pullPhase(ctx, result)
	if pullErr != nil {
		e.hooks.statusChanged(StateError)
		return result, pullErr
	}

	e.resolvePhase(detected, result)

	if err := e.store.SetLastSyncTime(ctx, time.Now().UTC()); err != nil {
		result.Errors = append(result.Errors, syncErrors.NewStorage(syncErrors.OpStore, err))
	}

	e.hooks.statusChanged(StateIdle)
	e.logger.Info("reconciliation pass completed",
		slog.Int("pushed", result.Pushed),
		slog.Int("pulled", result.Pulled),
		slog.Int("conflicts", result.ConflictsDetected),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// pushPhase drains the queue in FIFO order and replays each entry against
// the remote store. Failures are per-entry: the entry stays queued for the
// next pass and the phase continues.
func (e *Engine) pushPhase(ctx context.Context, result *SyncResult) {
	entries, err := e.queue.Drain(ctx)
	if err != nil {
		result.Errors = append(result.Errors, syncErrors.WrapOpComponent(err, syncErrors.OpPush, "queue"))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			return
		}

		if err := e.pushEntry(ctx, entry); err != nil {
			result.Errors = append(result.Errors, err)
			e.logger.LogError(ctx, err, "push entry failed",
				slog.String("entry_id", entry.ID),
				slog.String("collection", string(entry.Collection)),
				slog.String("entity_id", entry.EntityID),
			)
			continue
		}

		// Acknowledge exactly once per successful write; only then may the
		// entry leave the queue.
		if err := e.queue.Acknowledge(ctx, entry.ID); err != nil {
			result.Errors = append(result.Errors, syncErrors.WrapOpComponent(err, syncErrors.OpPush, "queue"))
			continue
		}
		result.Pushed++
	}
}

func (e *Engine) pushEntry(ctx context.Context, entry Entry) error {
	switch entry.Action {
	case ActionDelete:
		return e.remote.Delete(ctx, entry.Collection, entry.EntityID)
	case ActionCreate, ActionUpdate:
		ent, err := entry.Decode()
		if err != nil {
			return syncErrors.E(syncErrors.OpPush, syncErrors.Component("queue"), syncErrors.KindInvalid, err)
		}
		if entry.Action == ActionCreate {
			return e.remote.Create(ctx, ent)
		}
		return e.remote.Update(ctx, ent)
	default:
		return syncErrors.E(syncErrors.OpPush, syncErrors.KindInvalid, fmt.Errorf("unknown action %q", entry.Action))
	}
}

// pullPhase queries every collection within the engine's scope and
// reconciles each remote entity against the local store. It returns the
// Manual-policy conflicts detected during this pass. Only when every
// collection fails does the pass fail as a whole.
func (e *Engine) pullPhase(ctx context.Context, result *SyncResult) ([]ConflictRecord, error) {
	var detected []ConflictRecord
	seen := make(map[string]struct{})
	failures := 0
	collections := entity.Collections()

	for _, col := range collections {
		remoteEntities, err := e.remote.Query(ctx, col, e.scope)
		if err != nil {
			failures++
			result.Errors = append(result.Errors, syncErrors.WrapOpComponent(err, syncErrors.OpPull, "remote"))
			continue
		}

		for _, remote := range remoteEntities {
			conflict, err := e.reconcileEntity(ctx, col, remote, seen)
			if err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			if conflict != nil {
				detected = append(detected, *conflict)
				continue
			}
			result.Pulled++
		}
	}

	if failures == len(collections) {
		return nil, syncErrors.E(syncErrors.OpPull, syncErrors.Component("remote"), syncErrors.KindUnavailable,
			fmt.Errorf("all %d collections failed to pull", failures))
	}
	return detected, nil
}

// reconcileEntity applies one remote entity to the local store under the
// collection's policy. A non-nil ConflictRecord means Manual policy deferred
// the divergence to a human.
func (e *Engine) reconcileEntity(ctx context.Context, col entity.Collection, remote entity.Entity, seen map[string]struct{}) (*ConflictRecord, error) {
	local, err := e.store.Get(ctx, col, remote.EntityID())
	if errors.Is(err, ErrNotFound) {
		// Absent locally: no conflict, write through.
		if err := e.store.Put(ctx, remote); err != nil {
			return nil, syncErrors.NewStorage(syncErrors.OpPull, err)
		}
		e.hooks.entityChanged(col, remote.EntityID())
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorage(syncErrors.OpPull, err)
	}

	if !RemoteNewer(local, remote) {
		// Local value is current or newer; a genuinely newer local value is
		// still queued and propagates on the next push phase.
		return nil, nil
	}

	switch e.policies.For(col) {
	case ClientWins:
		return nil, nil
	case Manual:
		key := string(col) + "/" + remote.EntityID()
		if _, dup := seen[key]; dup {
			// Idempotent within a pass: the same divergence is recorded once.
			return nil, nil
		}
		seen[key] = struct{}{}
		return &ConflictRecord{
			ID:         uuid.NewString(),
			Collection: col,
			Local:      local,
			Remote:     remote,
			DetectedAt: time.Now().UTC(),
		}, nil
	default: // ServerWins
		if err := e.store.Put(ctx, remote); err != nil {
			return nil, syncErrors.NewStorage(syncErrors.OpPull, err)
		}
		e.hooks.entityChanged(col, remote.EntityID())
		return nil, nil
	}
}

// resolvePhase retains newly detected Manual conflicts and surfaces them as
// a single batch. A divergence already retained from an earlier pass (same
// entity, same remote timestamp) is not surfaced again.
func (e *Engine) resolvePhase(detected []ConflictRecord, result *SyncResult) {
	if len(detected) == 0 {
		return
	}

	e.mu.Lock()
	var fresh []ConflictRecord
	for _, c := range detected {
		key := string(c.Collection) + "/" + c.Remote.EntityID()
		if prev, ok := e.conflicts[key]; ok &&
			prev.Remote.EntityMeta().UpdatedAt.Equal(c.Remote.EntityMeta().UpdatedAt) {
			continue
		}
		e.conflicts[key] = c
		fresh = append(fresh, c)
	}
	e.mu.Unlock()

	result.ConflictsDetected = len(fresh)
	if len(fresh) > 0 {
		e.hooks.conflictsDetected(fresh)
	}
}

// Conflicts returns the currently unresolved Manual-policy conflicts.
func (e *Engine) Conflicts() []ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConflictRecord, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	return out
}

// ResolveConflict applies a human decision for a surfaced conflict. Keeping
// the remote value writes it locally; keeping the local value re-queues it
// when no mutation is pending, so the decision propagates on the next push.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, keepLocal bool) error {
	e.mu.Lock()
	var key string
	var record ConflictRecord
	for k, c := range e.conflicts {
		if c.ID == conflictID {
			key, record = k, c
			break
		}
	}
	if key == "" {
		e.mu.Unlock()
		return syncErrors.E(syncErrors.OpResolve, syncErrors.KindInvalid, fmt.Errorf("unknown conflict %q", conflictID))
	}
	delete(e.conflicts, key)
	e.mu.Unlock()

	if !keepLocal {
		if err := e.store.Put(ctx, record.Remote); err != nil {
			return syncErrors.NewStorage(syncErrors.OpResolve, err)
		}
		e.hooks.entityChanged(record.Collection, record.Remote.EntityID())
		return nil
	}

	pending, err := e.queue.HasPending(ctx, record.Collection, record.Local.EntityID())
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpResolve, "queue")
	}
	if !pending {
		if _, err := e.queue.Enqueue(ctx, ActionUpdate, record.Local, e.agent.ID); err != nil {
			return syncErrors.NewStorage(syncErrors.OpResolve, err)
		}
	}
	return nil
}

// StartAutoSync begins periodic reconciliation and registers the
// offline→online transition trigger. A trigger arriving while a pass is in
// flight is dropped; the next tick re-attempts.
func (e *Engine) StartAutoSync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.autoSyncStop != nil {
		return syncErrors.E(syncErrors.OpSync, syncErrors.KindInvalid, "auto sync is already running")
	}

	stopChan := make(chan struct{})
	e.autoSyncStop = stopChan

	// The monitor has no unregister, so hook it exactly once across
	// Start/Stop cycles; the trigger checks at fire time whether auto sync
	// is still running.
	if e.monitor != nil && !e.monitorHooked {
		e.monitorHooked = true
		e.monitor.OnOnline(func() {
			if e.autoSyncRunning() {
				go e.trySync(context.Background())
			}
		})
		e.monitor.OnOffline(func() {
			e.hooks.statusChanged(StateOffline)
		})
	}

	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				e.trySync(ctx)
			}
		}
	}()
	return nil
}

func (e *Engine) autoSyncRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoSyncStop != nil
}

// StopAutoSync stops periodic reconciliation.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoSyncStop == nil {
		return syncErrors.E(syncErrors.OpSync, syncErrors.KindInvalid, "auto sync is not running")
	}
	close(e.autoSyncStop)
	e.autoSyncStop = nil
	return nil
}

// Status summarizes the engine's externally observable state.
type Status struct {
	Online        bool
	PendingCount  int
	LastSyncTime  time.Time
	ConflictCount int
}

// Status reports queue depth, last sync time and connectivity.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	pending, err := e.queue.Len(ctx)
	if err != nil {
		return st, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	last, err := e.store.LastSyncTime(ctx)
	if err != nil {
		return st, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "store")
	}
	st.PendingCount = pending
	st.LastSyncTime = last
	if e.monitor != nil {
		st.Online = e.monitor.IsOnline()
	}
	e.mu.Lock()
	st.ConflictCount = len(e.conflicts)
	e.mu.Unlock()
	return st, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close shuts down the engine and releases the remote, queue and store
// handles it owns.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.autoSyncStop != nil {
		close(e.autoSyncStop)
		e.autoSyncStop = nil
	}
	e.mu.Unlock()

	var errs []error
	if err := e.remote.Close(); err != nil {
		errs = append(errs, syncErrors.WrapOpComponent(err, syncErrors.OpClose, "remote"))
	}
	if err := e.queue.Close(); err != nil {
		errs = append(errs, syncErrors.WrapOpComponent(err, syncErrors.OpClose, "queue"))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, syncErrors.WrapOpComponent(err, syncErrors.OpClose, "store"))
	}
	if len(errs) > 0 {
		return syncErrors.E(syncErrors.OpClose, fmt.Errorf("close errors: %v", errs))
	}
	return nil
}
