package entity

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an entity to its canonical JSON form.
func Encode(e Entity) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode: nil entity")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s entity: %w", e.Collection(), err)
	}
	return data, nil
}

// Decode parses data into the variant for the given collection. This is the
// validation point for payloads crossing the storage and import boundaries:
// unknown collections and shapeless payloads are rejected rather than carried
// around as untyped maps.
func Decode(col Collection, data []byte) (Entity, error) {
	if !col.Valid() {
		return nil, fmt.Errorf("decode: unknown collection %q", col)
	}

	var e Entity
	switch col {
	case CollectionAssets:
		e = &Asset{}
	case CollectionWorkers:
		e = &Worker{}
	case CollectionSessions:
		e = &Session{}
	case CollectionLogs:
		e = &LogEntry{}
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s entity: %w", col, err)
	}
	if e.EntityID() == "" {
		return nil, fmt.Errorf("decode %s entity: missing id", col)
	}
	return e, nil
}

// Clone deep-copies an entity through its JSON form.
func Clone(e Entity) (Entity, error) {
	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return Decode(e.Collection(), data)
}
