// Package entity defines the closed set of entity variants tracked by the
// synchronization engine, one variant per collection. Every entity carries a
// Meta block whose UpdatedAt timestamp is the sole ordering signal used for
// conflict resolution.
package entity

import "time"

// Collection identifies one of the synchronized entity collections.
// Collections are independent: cross-collection ordering is never assumed.
type Collection string

const (
	CollectionAssets   Collection = "assets"
	CollectionWorkers  Collection = "workers"
	CollectionSessions Collection = "sessions"
	CollectionLogs     Collection = "activity_logs"
)

// Collections returns the closed set of known collections in a stable order.
func Collections() []Collection {
	return []Collection{CollectionAssets, CollectionWorkers, CollectionSessions, CollectionLogs}
}

// Valid reports whether c names a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionAssets, CollectionWorkers, CollectionSessions, CollectionLogs:
		return true
	}
	return false
}

// Meta carries the fields shared by every entity variant. Origin records the
// agent that produced the entity; it is provenance only and never part of
// entity identity.
type Meta struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    string    `json:"origin,omitempty"`
}

// Entity is implemented by pointers to the concrete variants below.
type Entity interface {
	EntityID() string
	EntityMeta() *Meta
	Collection() Collection
}

func (m *Meta) EntityID() string  { return m.ID }
func (m *Meta) EntityMeta() *Meta { return m }

// Touch stamps UpdatedAt (and CreatedAt when unset) with now.
func (m *Meta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// Asset is a physical item tracked in the inventory.
type Asset struct {
	Meta
	Name          string `json:"name"`
	SerialNumber  string `json:"serialNumber"`
	Barcode       string `json:"barcode"`
	Category      string `json:"category,omitempty"`
	Location      string `json:"location,omitempty"`
	Status        string `json:"status,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	AddedBy       string `json:"addedBy,omitempty"`
	LastUpdatedBy string `json:"lastUpdatedBy,omitempty"`
}

func (*Asset) Collection() Collection { return CollectionAssets }

// Worker is an offline-capable operator.
type Worker struct {
	Meta
	DisplayName string `json:"displayName"`
	Area        string `json:"area,omitempty"`
	Role        string `json:"role,omitempty"`
}

func (*Worker) Collection() Collection { return CollectionWorkers }

// Session records one worker's sign-on period.
type Session struct {
	Meta
	WorkerID  string    `json:"workerId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Active    bool      `json:"active"`
}

func (*Session) Collection() Collection { return CollectionSessions }

// LogEntry is an append-only evidentiary activity record.
type LogEntry struct {
	Meta
	WorkerID string    `json:"workerId"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

func (*LogEntry) Collection() Collection { return CollectionLogs }

// AgentIdentity identifies a field agent/device. Set once by the agent,
// stable across sessions, embedded into exports as provenance metadata.
type AgentIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Area        string `json:"area,omitempty"`
}
