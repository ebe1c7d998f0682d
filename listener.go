package fieldsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logging"
)

// Listener maintains one live subscription per collection, scoped the same
// way as the pull phase, and applies incoming remote changes directly into
// the local store. Live-pushed changes come from the authoritative store and
// bypass conflict logic by construction.
type Listener struct {
	remote RemoteStore
	store  LocalStore
	agent  string
	hooks  Hooks
	logger *logging.Logger
	buffer int

	mu      sync.Mutex
	subs    []Subscription
	done    chan struct{}
	started bool
}

// ListenerConfig configures a live change Listener.
type ListenerConfig struct {
	Remote RemoteStore
	Store  LocalStore
	// AgentID is this device's provenance tag; changes declaring it as
	// their origin are echoes of this agent's own writes and are dropped.
	AgentID string
	Hooks   Hooks
	// Buffer is the change channel capacity; defaults to 64.
	Buffer int
}

// NewListener creates a live change listener.
func NewListener(cfg ListenerConfig) *Listener {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Listener{
		remote: cfg.Remote,
		store:  cfg.Store,
		agent:  cfg.AgentID,
		hooks:  cfg.Hooks,
		logger: logging.WithComponent("listener"),
		buffer: buffer,
	}
}

// Start subscribes every collection under the given scope and begins the
// apply loop. Returns an error if any subscription cannot be established;
// already-established ones are torn down again in that case.
func (l *Listener) Start(ctx context.Context, scope Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return syncErrors.E(syncErrors.OpSync, syncErrors.Component("listener"), syncErrors.KindInvalid, "listener already started")
	}

	// The change channel is owned by this generation of subscriptions. A
	// torn-down subscription can fire its handler one last time after Close
	// returns; such an event lands on the old channel, which nothing reads
	// anymore, so it can never reach a later generation's apply loop.
	done := make(chan struct{})
	changes := make(chan Change, l.buffer)
	var subs []Subscription
	for _, col := range entity.Collections() {
		sub, err := l.remote.Subscribe(ctx, col, scope, func(c Change) {
			select {
			case changes <- c:
			case <-done:
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return syncErrors.WrapOpComponent(err, syncErrors.OpSync, "listener")
		}
		subs = append(subs, sub)
	}

	l.subs = subs
	l.done = done
	l.started = true

	go l.applyLoop(ctx, changes, done)
	return nil
}

// Rescope tears down the current subscriptions and re-establishes them under
// a new scope, for role or partition changes. A stale subscription never
// delivers events after Rescope returns.
func (l *Listener) Rescope(ctx context.Context, scope Scope) error {
	if err := l.Close(); err != nil {
		return err
	}
	return l.Start(ctx, scope)
}

// Close tears down all subscriptions and stops the apply loop.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}
	l.started = false
	close(l.done)

	var firstErr error
	for _, s := range l.subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.subs = nil
	return syncErrors.WrapOpComponent(firstErr, syncErrors.OpClose, "listener")
}

func (l *Listener) applyLoop(ctx context.Context, changes chan Change, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case change := <-changes:
			l.apply(ctx, change)
		}
	}
}

func (l *Listener) apply(ctx context.Context, change Change) {
	// Drop echoes of this agent's own writes by provenance tag.
	if change.Origin != "" && change.Origin == l.agent {
		return
	}

	switch change.Type {
	case ChangeAdded, ChangeModified:
		if change.Entity == nil {
			return
		}
		if err := l.store.Put(ctx, change.Entity); err != nil {
			l.logger.LogError(ctx, syncErrors.NewStorage(syncErrors.OpStore, err), "apply live change failed",
				slog.String("collection", string(change.Collection)),
			)
			return
		}
		l.hooks.entityChanged(change.Collection, change.Entity.EntityID())
	case ChangeRemoved:
		id := ""
		if change.Entity != nil {
			id = change.Entity.EntityID()
		}
		if id == "" {
			return
		}
		if err := l.store.Delete(ctx, change.Collection, id); err != nil {
			l.logger.LogError(ctx, syncErrors.NewStorage(syncErrors.OpStore, err), "apply live removal failed",
				slog.String("collection", string(change.Collection)),
			)
			return
		}
		l.hooks.entityChanged(change.Collection, id)
	}
}
