package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/store"
)

// Fetcher re-fetches a full entity snapshot after a sequence gap.
// ok=false reports the entity no longer exists.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, entityType, entityID string) (snapshot []byte, ok bool, err error)
}

// Mirror is a client-side cache that converges on the authoritative store.
// Events apply only in sequence order. A gap triggers a full re-fetch
// instead of an out-of-order apply, and duplicates are dropped. Any
// locally-queued optimistic change is discarded the moment the store
// speaks: the store always wins, there is no merge.
type Mirror struct {
	mu        sync.Mutex
	fetch     Fetcher
	entries   map[string]*mirrorEntry
	pending   map[string][]byte // optimistic, unsynced local changes
	refetches int
}

type mirrorEntry struct {
	seq      int64
	snapshot []byte
	deleted  bool
}

// NewMirror creates a Mirror backed by the given fetcher.
func NewMirror(fetch Fetcher) *Mirror {
	return &Mirror{
		fetch:   fetch,
		entries: make(map[string]*mirrorEntry),
		pending: make(map[string][]byte),
	}
}

func mirrorKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// QueueLocalChange records an optimistic local edit that has not been
// acknowledged by the store. It is visible through Get until the next
// event or refetch for that entity replaces it.
func (m *Mirror) QueueLocalChange(entityType, entityID string, snapshot []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[mirrorKey(entityType, entityID)] = snapshot
}

// Apply folds one event into the cache.
func (m *Mirror) Apply(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mirrorKey(ev.EntityType, ev.EntityID)
	entry := m.entries[key]
	last := int64(0)
	if entry != nil {
		last = entry.seq
	}

	switch {
	case ev.Seq <= last:
		// Duplicate or stale; at-least-once delivery makes these normal.
		return nil

	case ev.Seq == last+1:
		delete(m.pending, key)
		next := &mirrorEntry{seq: ev.Seq}
		if ev.Op == models.OpDelete {
			next.deleted = true
		} else {
			next.snapshot = []byte(ev.Snapshot)
		}
		m.entries[key] = next
		return nil

	default:
		// Gap: do not reconstruct missing deltas, take the store's word.
		delete(m.pending, key)
		m.refetches++
		if m.fetch == nil {
			return fmt.Errorf("reconcile: gap at %s seq %d with no fetcher", key, ev.Seq)
		}
		snap, ok, err := m.fetch.FetchSnapshot(ctx, ev.EntityType, ev.EntityID)
		if err != nil {
			return fmt.Errorf("reconcile: refetch %s: %w", key, err)
		}
		next := &mirrorEntry{seq: ev.Seq}
		if !ok {
			next.deleted = true
		} else {
			next.snapshot = snap
		}
		m.entries[key] = next
		return nil
	}
}

// Get returns the cached snapshot for an entity. A queued local change
// shadows the synced snapshot until the store overrides it. ok=false when
// the entity is unknown or deleted.
func (m *Mirror) Get(entityType, entityID string) (snapshot []byte, seq int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mirrorKey(entityType, entityID)
	if local, exists := m.pending[key]; exists {
		seq := int64(0)
		if e := m.entries[key]; e != nil {
			seq = e.seq
		}
		return local, seq, true
	}
	entry := m.entries[key]
	if entry == nil || entry.deleted {
		return nil, 0, false
	}
	return entry.snapshot, entry.seq, true
}

// HasPending reports whether an unsynced local change is queued.
func (m *Mirror) HasPending(entityType, entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[mirrorKey(entityType, entityID)]
	return ok
}

// Refetches reports how many gap-triggered refetches have occurred.
func (m *Mirror) Refetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refetches
}

// StoreFetcher resolves snapshots straight from the entity store.
type StoreFetcher struct {
	Store *store.Store
}

// FetchSnapshot loads and marshals the current entity row.
func (f *StoreFetcher) FetchSnapshot(ctx context.Context, entityType, entityID string) ([]byte, bool, error) {
	switch entityType {
	case models.EntityTask:
		task, err := f.Store.GetTask(ctx, entityID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		data, err := json.Marshal(task)
		return data, true, err
	case models.EntityListing:
		listing, err := f.Store.GetListing(ctx, entityID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
		data, err := json.Marshal(listing)
		return data, true, err
	default:
		return nil, false, fmt.Errorf("reconcile: unknown entity type %q", entityType)
	}
}
