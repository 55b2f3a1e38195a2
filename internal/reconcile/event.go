// Package reconcile propagates entity mutations to client caches and
// defines how those caches converge on the authoritative store.
package reconcile

import (
	"encoding/json"

	"github.com/harborgate/deskhand/internal/models"
)

// Event is one entity-mutation notification on the realtime channel.
// Seq is strictly increasing per (EntityType, EntityID); ID is a global
// cursor clients may use to resume the stream.
type Event struct {
	ID         uint            `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Op         string          `json:"op"`
	Seq        int64           `json:"seq"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// Mutation is reported by an action tool after a successful store write.
// Snapshot is marshaled when the event is published.
type Mutation struct {
	EntityType string
	EntityID   string
	Op         string
	Snapshot   interface{}
}

// EventFromModel converts a persisted sync event to its wire form.
func EventFromModel(ev *models.SyncEvent) Event {
	var snap json.RawMessage
	if ev.Snapshot != "" {
		snap = json.RawMessage(ev.Snapshot)
	}
	return Event{
		ID:         ev.ID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Op:         ev.Op,
		Seq:        ev.Seq,
		Snapshot:   snap,
	}
}
