package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/harborgate/deskhand/internal/store"
)

// Bridge persists sync events with per-entity sequence numbers and fans
// them out to live subscribers.
type Bridge struct {
	store *store.Store
	hub   *Hub
}

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Store *store.Store
	Hub   *Hub
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("reconcile: bridge: store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("reconcile: bridge: hub is required")
	}
	return &Bridge{store: opts.Store, hub: opts.Hub}, nil
}

// Hub returns the bridge's subscriber hub.
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Publish sequences and persists each mutation, then broadcasts the
// resulting events. Publishing is best-effort per mutation: a failure on
// one does not stop the rest, and the first error is returned for the
// caller's log.
func (b *Bridge) Publish(ctx context.Context, muts []Mutation) error {
	var firstErr error
	for _, m := range muts {
		snap := ""
		if m.Snapshot != nil {
			data, err := json.Marshal(m.Snapshot)
			if err != nil {
				log.Printf("reconcile: marshal snapshot for %s/%s: %v", m.EntityType, m.EntityID, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("reconcile: marshal snapshot: %w", err)
				}
				continue
			}
			snap = string(data)
		}

		ev, err := b.store.AppendSyncEvent(ctx, m.EntityType, m.EntityID, m.Op, snap)
		if err != nil {
			log.Printf("reconcile: append event for %s/%s: %v", m.EntityType, m.EntityID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.hub.Broadcast(EventFromModel(ev))
	}
	return firstErr
}
