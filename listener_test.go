package fieldsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/entity"
)

func newTestListener(t *testing.T, hooks Hooks) (*Listener, *fakeStore, *fakeRemote) {
	t.Helper()
	store := newFakeStore()
	remote := newFakeRemote()
	l := NewListener(ListenerConfig{
		Remote:  remote,
		Store:   store,
		AgentID: "agent-1",
		Hooks:   hooks,
	})
	t.Cleanup(func() { l.Close() })
	return l, store, remote
}

func waitForEntity(t *testing.T, store *fakeStore, col entity.Collection, id string) entity.Entity {
	t.Helper()
	var got entity.Entity
	require.Eventually(t, func() bool {
		e, err := store.Get(context.Background(), col, id)
		if err != nil {
			return false
		}
		got = e
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestListenerSubscribesEveryCollection(t *testing.T) {
	l, _, remote := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{All: true}))

	remote.mu.Lock()
	n := len(remote.subs)
	remote.mu.Unlock()
	assert.Equal(t, len(entity.Collections()), n)
}

func TestListenerAppliesForeignChanges(t *testing.T) {
	notified := make(chan string, 8)
	l, store, remote := newTestListener(t, Hooks{
		OnEntityChanged: func(_ entity.Collection, id string) { notified <- id },
	})
	require.NoError(t, l.Start(context.Background(), Scope{All: true}))

	foreign := asset("a-1", "Drill", time.Now().UTC())
	remote.emit(Change{
		Type:       ChangeAdded,
		Collection: entity.CollectionAssets,
		Entity:     foreign,
		Origin:     "agent-2",
	})

	got := waitForEntity(t, store, entity.CollectionAssets, "a-1")
	assert.Equal(t, "Drill", got.(*entity.Asset).Name)

	select {
	case id := <-notified:
		assert.Equal(t, "a-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expected entity changed notification")
	}
}

func TestListenerDropsOwnEchoes(t *testing.T) {
	l, store, remote := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{All: true}))

	remote.emit(Change{
		Type:       ChangeAdded,
		Collection: entity.CollectionAssets,
		Entity:     asset("a-1", "Drill", time.Now().UTC()),
		Origin:     "agent-1",
	})
	// A foreign change afterwards proves the loop processed past the echo.
	remote.emit(Change{
		Type:       ChangeAdded,
		Collection: entity.CollectionAssets,
		Entity:     asset("a-2", "Ladder", time.Now().UTC()),
		Origin:     "agent-2",
	})

	waitForEntity(t, store, entity.CollectionAssets, "a-2")
	_, err := store.Get(context.Background(), entity.CollectionAssets, "a-1")
	assert.ErrorIs(t, err, ErrNotFound, "own-origin echo must not be applied")
}

func TestListenerAppliesRemovals(t *testing.T) {
	l, store, remote := newTestListener(t, Hooks{})
	ctx := context.Background()

	existing := asset("a-1", "Drill", time.Now().UTC())
	require.NoError(t, store.Put(ctx, existing))
	require.NoError(t, l.Start(ctx, Scope{All: true}))

	remote.emit(Change{
		Type:       ChangeRemoved,
		Collection: entity.CollectionAssets,
		Entity:     existing,
		Origin:     "agent-2",
	})

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, entity.CollectionAssets, "a-1")
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenerCloseStopsDelivery(t *testing.T) {
	l, store, remote := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{All: true}))
	require.NoError(t, l.Close())

	remote.emit(Change{
		Type:       ChangeAdded,
		Collection: entity.CollectionAssets,
		Entity:     asset("a-1", "Drill", time.Now().UTC()),
		Origin:     "agent-2",
	})

	time.Sleep(50 * time.Millisecond)
	_, err := store.Get(context.Background(), entity.CollectionAssets, "a-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListenerRescope(t *testing.T) {
	l, _, remote := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{WorkerID: "w-1"}))

	require.NoError(t, l.Rescope(context.Background(), Scope{All: true}))

	remote.mu.Lock()
	defer remote.mu.Unlock()
	// First generation of subscriptions is closed, second is live.
	require.Len(t, remote.subs, 2*len(entity.Collections()))
	for i, sub := range remote.subs {
		if i < len(entity.Collections()) {
			assert.True(t, sub.closed)
		} else {
			assert.False(t, sub.closed)
		}
	}
}

func TestListenerRescopeDropsStaleDeliveries(t *testing.T) {
	l, store, remote := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{WorkerID: "w-1"}))

	// Capture a first-generation handler before tearing the scope down. A
	// real feed's read loop can invoke it once more with an already-read
	// frame after its subscription Close returns.
	remote.mu.Lock()
	var stale func(Change)
	for _, sub := range remote.subs {
		if sub.col == entity.CollectionAssets {
			stale = sub.handler
		}
	}
	remote.mu.Unlock()
	require.NotNil(t, stale)

	require.NoError(t, l.Rescope(context.Background(), Scope{All: true}))

	for i := 0; i < 200; i++ {
		stale(Change{
			Type:       ChangeAdded,
			Collection: entity.CollectionAssets,
			Entity:     asset("stale-1", "Old Scope Drill", time.Now().UTC()),
			Origin:     "agent-2",
		})
	}

	// A change through the live generation still lands; once it has, any
	// stale delivery would already have been applied too.
	remote.emit(Change{
		Type:       ChangeAdded,
		Collection: entity.CollectionAssets,
		Entity:     asset("a-2", "Saw", time.Now().UTC()),
		Origin:     "agent-2",
	})
	waitForEntity(t, store, entity.CollectionAssets, "a-2")

	_, err := store.Get(context.Background(), entity.CollectionAssets, "stale-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListenerDoubleStartRejected(t *testing.T) {
	l, _, _ := newTestListener(t, Hooks{})
	require.NoError(t, l.Start(context.Background(), Scope{All: true}))
	assert.Error(t, l.Start(context.Background(), Scope{All: true}))
}
