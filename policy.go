package fieldsync

import (
	"github.com/fieldsync/fieldsync/entity"
)

// Strategy is the conflict resolution policy applied to a divergence between
// a local and a remote version of the same entity.
type Strategy string

const (
	// ServerWins overwrites the local store with the remote entity.
	ServerWins Strategy = "server_wins"
	// ClientWins retains the local value; it propagates outward on the next
	// push phase because its mutation is still queued.
	ClientWins Strategy = "client_wins"
	// Manual writes neither value and surfaces a ConflictRecord for a human.
	Manual Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, ClientWins, Manual:
		return true
	}
	return false
}

// PolicyMap fixes the conflict strategy per collection for the lifetime of
// the engine.
type PolicyMap map[entity.Collection]Strategy

// DefaultPolicies returns the standard mapping: activity logs are append-only
// evidentiary records and keep the client's version; every other collection
// treats the remote store as authoritative once reachable.
func DefaultPolicies() PolicyMap {
	return PolicyMap{
		entity.CollectionAssets:   ServerWins,
		entity.CollectionWorkers:  ServerWins,
		entity.CollectionSessions: ServerWins,
		entity.CollectionLogs:     ClientWins,
	}
}

// For returns the strategy for a collection, defaulting to ServerWins.
func (p PolicyMap) For(col entity.Collection) Strategy {
	if s, ok := p[col]; ok && s.Valid() {
		return s
	}
	return ServerWins
}

// RemoteNewer reports whether remote's updatedAt is strictly after local's.
// Equal timestamps are not a divergence: the local value is already current.
func RemoteNewer(local, remote entity.Entity) bool {
	if local == nil || remote == nil {
		return false
	}
	return remote.EntityMeta().UpdatedAt.After(local.EntityMeta().UpdatedAt)
}
