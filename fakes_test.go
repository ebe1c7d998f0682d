package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/entity"
	syncErrors "github.com/fieldsync/fieldsync/errors"
)

// fakeStore is an in-memory LocalStore.
type fakeStore struct {
	mu       sync.Mutex
	entities map[string]entity.Entity
	lastSync time.Time
	settings map[string]any
	puts     int
	failPut  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities: map[string]entity.Entity{},
		settings: map[string]any{},
	}
}

func storeKey(col entity.Collection, id string) string {
	return string(col) + "/" + id
}

func (s *fakeStore) Get(_ context.Context, col entity.Collection, id string) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[storeKey(col, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return entity.Clone(e)
}

func (s *fakeStore) GetAll(_ context.Context, col entity.Collection) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Entity
	for _, e := range s.entities {
		if e.Collection() == col {
			cp, err := entity.Clone(e)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Put(_ context.Context, e entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	cp, err := entity.Clone(e)
	if err != nil {
		return err
	}
	s.entities[storeKey(e.Collection(), e.EntityID())] = cp
	s.puts++
	return nil
}

func (s *fakeStore) Delete(_ context.Context, col entity.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, storeKey(col, id))
	return nil
}

func (s *fakeStore) LastSyncTime(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, nil
}

func (s *fakeStore) SetLastSyncTime(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
	return nil
}

func (s *fakeStore) Settings(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SetSettings(_ context.Context, settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeQueue is an in-memory MutationQueue preserving enqueue order.
type fakeQueue struct {
	mu      sync.Mutex
	entries []Entry
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Enqueue(_ context.Context, action Action, e entity.Entity, origin string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, err := entity.Encode(e)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Action:     action,
		Collection: e.Collection(),
		EntityID:   e.EntityID(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Origin:     origin,
	}
	q.entries = append(q.entries, entry)
	return entry, nil
}

func (q *fakeQueue) Drain(context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out, nil
}

func (q *fakeQueue) Acknowledge(_ context.Context, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == entryID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("entry %q not found", entryID)
}

func (q *fakeQueue) HasPending(_ context.Context, col entity.Collection, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Collection == col && e.EntityID == id {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *fakeQueue) Close() error { return nil }

// fakeRemote is an in-memory RemoteStore with per-entity failure injection
// and subscription plumbing.
type fakeRemote struct {
	mu       sync.Mutex
	entities map[string]entity.Entity
	creates  int
	updates  int
	deletes  int
	queries  int

	// failWrites maps entity id to the error injected on its next write.
	failWrites map[string]error
	// failQuery makes every Query call fail.
	failQuery error

	subs []*fakeSubscription
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities:   map[string]entity.Entity{},
		failWrites: map[string]error{},
	}
}

func transientErr() error {
	return syncErrors.NewTransient(syncErrors.OpPush, "remote", fmt.Errorf("simulated network drop"))
}

func (r *fakeRemote) write(e entity.Entity) error {
	if err := r.failWrites[e.EntityID()]; err != nil {
		delete(r.failWrites, e.EntityID())
		return err
	}
	cp, err := entity.Clone(e)
	if err != nil {
		return err
	}
	r.entities[storeKey(e.Collection(), e.EntityID())] = cp
	return nil
}

func (r *fakeRemote) Create(_ context.Context, e entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(e); err != nil {
		return err
	}
	r.creates++
	return nil
}

func (r *fakeRemote) Update(_ context.Context, e entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.write(e); err != nil {
		return err
	}
	r.updates++
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, col entity.Collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failWrites[id]; err != nil {
		delete(r.failWrites, id)
		return err
	}
	delete(r.entities, storeKey(col, id))
	r.deletes++
	return nil
}

func (r *fakeRemote) Query(_ context.Context, col entity.Collection, _ Scope) ([]entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
	if r.failQuery != nil {
		return nil, r.failQuery
	}
	var out []entity.Entity
	for _, e := range r.entities {
		if e.Collection() == col {
			cp, err := entity.Clone(e)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

type fakeSubscription struct {
	col     entity.Collection
	handler func(Change)
	closed  bool
	mu      sync.Mutex
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) deliver(c Change) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.handler(c)
	}
}

func (r *fakeRemote) Subscribe(_ context.Context, col entity.Collection, _ Scope, handler func(Change)) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &fakeSubscription{col: col, handler: handler}
	r.subs = append(r.subs, sub)
	return sub, nil
}

// emit pushes a change to every live subscription for its collection.
func (r *fakeRemote) emit(c Change) {
	r.mu.Lock()
	subs := make([]*fakeSubscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, s := range subs {
		if s.col == c.Collection {
			s.deliver(c)
		}
	}
}

func (r *fakeRemote) Ping(context.Context) error { return nil }
func (r *fakeRemote) Close() error               { return nil }
