package fieldsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/entity"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeStore, *fakeQueue, *fakeRemote) {
	t.Helper()
	store := newFakeStore()
	queue := newFakeQueue()
	remote := newFakeRemote()
	opts.Store = store
	opts.Queue = queue
	opts.Remote = remote
	if opts.Agent.ID == "" {
		opts.Agent = entity.AgentIdentity{ID: "agent-1", DisplayName: "Test Agent", Area: "north"}
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine, store, queue, remote
}

func asset(id, name string, updatedAt time.Time) *entity.Asset {
	a := &entity.Asset{Name: name, Status: "available", Quantity: 1}
	a.ID = id
	a.CreatedAt = updatedAt
	a.UpdatedAt = updatedAt
	return a
}

func TestRecordWritesLocallyAndEnqueues(t *testing.T) {
	engine, store, queue, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	a := asset("a-1", "Drill", time.Time{})
	require.NoError(t, engine.Record(ctx, ActionCreate, a))

	got, err := store.Get(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "Drill", got.(*entity.Asset).Name)
	assert.False(t, got.EntityMeta().UpdatedAt.IsZero(), "Record stamps updatedAt")
	assert.Equal(t, "agent-1", got.EntityMeta().Origin)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := engine.EntityState(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)
}

func TestRecordDelete(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	a := asset("a-1", "Drill", time.Now().UTC())
	require.NoError(t, store.Put(ctx, a))
	require.NoError(t, engine.Record(ctx, ActionDelete, a))

	_, err := store.Get(ctx, entity.CollectionAssets, "a-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPushPhaseConfirmsEntities(t *testing.T) {
	engine, _, queue, remote := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, engine.Record(ctx, ActionCreate, asset("a-1", "Drill", time.Time{})))
	require.NoError(t, engine.Record(ctx, ActionUpdate, asset("a-1", "Hammer Drill", time.Time{})))

	result, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	assert.Equal(t, 1, remote.creates)
	assert.Equal(t, 1, remote.updates)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "acknowledged entries leave the queue")

	state, err := engine.EntityState(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)
}

// Two pending updates to the same entity; the second write fails after the
// first succeeds. The queue must retain exactly the second entry.
func TestPushPartialFailureRetainsFailedEntry(t *testing.T) {
	engine, _, queue, remote := newTestEngine(t, Options{})
	ctx := context.Background()

	// Flush the create so only the failing update is in play.
	require.NoError(t, engine.Record(ctx, ActionCreate, asset("x", "v1", time.Time{})))
	_, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)

	require.NoError(t, engine.Record(ctx, ActionUpdate, asset("x", "v2", time.Time{})))
	remote.mu.Lock()
	remote.failWrites["x"] = transientErr()
	remote.mu.Unlock()

	result, err := engine.PerformFullSync(ctx)
	require.NoError(t, err, "partial push failure does not fail the pass")
	assert.Equal(t, 0, result.Pushed)
	assert.NotEmpty(t, result.Errors)

	remaining, err := queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, ActionUpdate, remaining[0].Action)
	assert.Equal(t, "x", remaining[0].EntityID)

	// Next pass succeeds and drains the retained entry.
	result, err = engine.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPullWritesAbsentEntities(t *testing.T) {
	engine, store, _, remote := newTestEngine(t, Options{})
	ctx := context.Background()

	remoteAsset := asset("a-9", "Generator", time.Now().UTC())
	require.NoError(t, remote.Create(ctx, remoteAsset))

	result, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pulled)

	got, err := store.Get(ctx, entity.CollectionAssets, "a-9")
	require.NoError(t, err)
	assert.Equal(t, "Generator", got.(*entity.Asset).Name)
}

func TestServerWinsOverwritesOnlyWhenRemoteNewer(t *testing.T) {
	base := time.Now().UTC()

	cases := []struct {
		name       string
		localAt    time.Time
		remoteAt   time.Time
		wantRemote bool
	}{
		{"remote newer", base, base.Add(time.Minute), true},
		{"remote older", base, base.Add(-time.Minute), false},
		{"equal timestamps", base, base, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store, _, remote := newTestEngine(t, Options{
				Policies: PolicyMap{entity.CollectionAssets: ServerWins},
			})
			ctx := context.Background()

			require.NoError(t, store.Put(ctx, asset("a-1", "local", tc.localAt)))
			require.NoError(t, remote.Create(ctx, asset("a-1", "remote", tc.remoteAt)))

			_, err := engine.PerformFullSync(ctx)
			require.NoError(t, err)

			got, err := store.Get(ctx, entity.CollectionAssets, "a-1")
			require.NoError(t, err)
			want := "local"
			if tc.wantRemote {
				want = "remote"
			}
			assert.Equal(t, want, got.(*entity.Asset).Name)
		})
	}
}

func TestClientWinsNeverOverwrites(t *testing.T) {
	engine, store, _, remote := newTestEngine(t, Options{
		Policies: PolicyMap{entity.CollectionAssets: ClientWins},
	})
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.Put(ctx, asset("a-1", "local", base)))
	require.NoError(t, remote.Create(ctx, asset("a-1", "remote", base.Add(time.Hour))))

	_, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.(*entity.Asset).Name)
}

func TestManualPolicySurfacesConflictOnce(t *testing.T) {
	var surfaced [][]ConflictRecord
	engine, store, _, remote := newTestEngine(t, Options{
		Policies: PolicyMap{entity.CollectionAssets: Manual},
		Hooks: Hooks{
			OnConflictsDetected: func(cs []ConflictRecord) { surfaced = append(surfaced, cs) },
		},
	})
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.Put(ctx, asset("a-1", "local", base)))
	require.NoError(t, remote.Create(ctx, asset("a-1", "remote", base.Add(time.Hour))))

	result, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsDetected)
	require.Len(t, surfaced, 1)
	require.Len(t, surfaced[0], 1)

	// Neither value was written.
	got, err := store.Get(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.(*entity.Asset).Name)

	// The same divergence on a second pass is not surfaced again.
	result, err = engine.PerformFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ConflictsDetected)
	assert.Len(t, surfaced, 1)

	assert.Len(t, engine.Conflicts(), 1)
}

func TestResolveConflictKeepRemote(t *testing.T) {
	engine, store, _, remote := newTestEngine(t, Options{
		Policies: PolicyMap{entity.CollectionAssets: Manual},
	})
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, store.Put(ctx, asset("a-1", "local", base)))
	require.NoError(t, remote.Create(ctx, asset("a-1", "remote", base.Add(time.Hour))))
	_, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)

	conflicts := engine.Conflicts()
	require.Len(t, conflicts, 1)
	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, false))

	got, err := store.Get(ctx, entity.CollectionAssets, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "remote", got.(*entity.Asset).Name)
	assert.Empty(t, engine.Conflicts())
}

func TestResolveConflictKeepLocalReenqueues(t *testing.T) {
	engine, _, queue, remote := newTestEngine(t, Options{
		Policies: PolicyMap{entity.CollectionAssets: Manual},
	})
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, engine.Record(ctx, ActionCreate, asset("a-1", "local", base)))
	_, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)

	// Remote diverges after our write was confirmed.
	require.NoError(t, remote.Update(ctx, asset("a-1", "remote", time.Now().UTC().Add(time.Hour))))
	_, err = engine.PerformFullSync(ctx)
	require.NoError(t, err)

	conflicts := engine.Conflicts()
	require.Len(t, conflicts, 1)
	require.NoError(t, engine.ResolveConflict(ctx, conflicts[0].ID, true))

	entries, err := queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "kept local value is re-queued for push")
	assert.Equal(t, ActionUpdate, entries[0].Action)
	assert.Equal(t, "a-1", entries[0].EntityID)
}

func TestResolveUnknownConflict(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Options{})
	assert.Error(t, engine.ResolveConflict(context.Background(), "nope", true))
}

// A second trigger while a pass is in flight is a no-op, not a queued pass.
func TestSingleFlightSync(t *testing.T) {
	engine, _, _, remote := newTestEngine(t, Options{})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	remote.mu.Lock()
	remote.failQuery = nil
	remote.mu.Unlock()

	// Block the pull phase via a slow query.
	slow := &slowRemote{fakeRemote: remote, started: started, release: release}
	engine.remote = slow

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = engine.PerformFullSync(ctx)
	}()

	<-started
	_, err := engine.PerformFullSync(ctx)
	assert.ErrorIs(t, err, ErrSyncInFlight)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
}

// slowRemote blocks the first Query until released.
type slowRemote struct {
	*fakeRemote
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowRemote) Query(ctx context.Context, col entity.Collection, scope Scope) ([]entity.Entity, error) {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return s.fakeRemote.Query(ctx, col, scope)
}

func TestPullFailureOfAllCollectionsFailsPass(t *testing.T) {
	engine, _, _, remote := newTestEngine(t, Options{})
	remote.failQuery = transientErr()

	var states []SyncState
	engine.hooks.OnSyncStatusChanged = func(s SyncState) { states = append(states, s) }

	_, err := engine.PerformFullSync(context.Background())
	require.Error(t, err)
	assert.Contains(t, states, StateError)
}

func TestFullSyncRecordsLastSyncTime(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	before := time.Now().UTC()
	_, err := engine.PerformFullSync(ctx)
	require.NoError(t, err)

	last, err := store.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.False(t, last.Before(before))
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Options{})
	require.NoError(t, engine.Close())

	assert.ErrorIs(t, engine.Record(context.Background(), ActionCreate, asset("a-1", "Drill", time.Time{})), ErrEngineClosed)
	_, err := engine.PerformFullSync(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestAutoSyncLifecycle(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Options{SyncInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, engine.StartAutoSync(ctx))
	assert.Error(t, engine.StartAutoSync(ctx), "second start rejected")
	require.NoError(t, engine.StopAutoSync())
	assert.Error(t, engine.StopAutoSync(), "second stop rejected")
}

func TestAutoSyncRestartRegistersMonitorCallbacksOnce(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{})
	engine, _, _, remote := newTestEngine(t, Options{
		Monitor:      monitor,
		SyncInterval: time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.StartAutoSync(ctx))
		require.NoError(t, engine.StopAutoSync())
	}

	monitor.mu.Lock()
	online, offline := len(monitor.onOnline), len(monitor.onOffline)
	monitor.mu.Unlock()
	assert.Equal(t, 1, online)
	assert.Equal(t, 1, offline)

	// With auto sync stopped, an online transition triggers no pass.
	monitor.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	remote.mu.Lock()
	queries := remote.queries
	remote.mu.Unlock()
	assert.Equal(t, 0, queries)
}

func TestStatus(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, Options{
		Monitor: NewMonitor(MonitorConfig{AssumeOnline: true}),
	})
	ctx := context.Background()

	require.NoError(t, engine.Record(ctx, ActionCreate, asset("a-1", "Drill", time.Time{})))

	st, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.GreaterOrEqual(t, st.PendingCount, 0)
	assert.Equal(t, 0, st.ConflictCount)
}
