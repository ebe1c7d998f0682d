package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync"
	"github.com/fieldsync/fieldsync/entity"
)

func TestFeedURL(t *testing.T) {
	u, err := FeedURL("http://example.com/api", entity.CollectionAssets, fieldsync.Scope{All: true})
	require.NoError(t, err)
	assert.Equal(t, "ws://example.com/api/subscribe?all=true&collection=assets", u)

	u, err = FeedURL("https://example.com", entity.CollectionSessions, fieldsync.Scope{WorkerID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/subscribe?collection=sessions&workerId=w-1", u)
}

func TestExponentialBackoff(t *testing.T) {
	eb := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
	assert.Equal(t, time.Second, eb.NextDelay(0))
	assert.Equal(t, 2*time.Second, eb.NextDelay(1))
	assert.Equal(t, 4*time.Second, eb.NextDelay(2))
	assert.Equal(t, 10*time.Second, eb.NextDelay(6), "capped at MaxDelay")
	assert.Equal(t, time.Second, eb.NextDelay(-1))
}

func TestFilterMatches(t *testing.T) {
	session := &entity.Session{WorkerID: "w-1"}
	session.ID = "s-1"
	change := fieldsync.Change{
		Type:       fieldsync.ChangeAdded,
		Collection: entity.CollectionSessions,
		Entity:     session,
	}

	assert.True(t, filter{collection: entity.CollectionSessions, all: true}.matches(change))
	assert.True(t, filter{collection: entity.CollectionSessions, workerID: "w-1"}.matches(change))
	assert.False(t, filter{collection: entity.CollectionSessions, workerID: "w-2"}.matches(change))
	assert.False(t, filter{collection: entity.CollectionAssets, all: true}.matches(change))
}
