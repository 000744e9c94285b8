package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/persistence"
)

// Store is the single source of truth for download items. All shared mutable
// state of the queue funnels through it: an ordered map of items, the
// advisory locks, and the persistence collaborator.
//
// Reads return deep copies so callers cannot corrupt internal state. GetRaw
// is the one escape hatch for the coordinator's hot path and must be followed
// by Set or Persist.
type Store struct {
	mu    sync.RWMutex
	items map[string]*download.Item
	order []string
	locks map[string]lockEntry

	persister persistence.Persister
	lockTTL   time.Duration

	// dirty is set when a persist fails so the next successful persist can
	// close the durability gap left by the in-memory-only mutation.
	dirty bool

	now func() time.Time
}

// New creates a store backed by the given persister.
func New(persister persistence.Persister) *Store {
	return &Store{
		items:     make(map[string]*download.Item),
		order:     make([]string, 0),
		locks:     make(map[string]lockEntry),
		persister: persister,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
	}
}

// Load reads the persisted snapshot into memory. Any item found in
// downloading is reset to queued: no job is assumed alive across a restart.
// When the crash-recovery rule or a snapshot upgrade changed anything, the
// result is re-persisted.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.persister.LoadState(ctx)
	if err != nil {
		return &download.PersistenceError{Op: "load", Err: err}
	}

	changed := persistence.Upgrade(snap)

	s.mu.Lock()

	s.items = make(map[string]*download.Item, len(snap.Downloads))
	s.order = make([]string, 0, len(snap.Downloads))

	for _, entry := range snap.Downloads {
		if entry.Item == nil {
			continue
		}

		if entry.Item.State == download.StateDownloading {
			entry.Item.State = download.StateQueued
			changed = true
		}

		s.items[entry.ID] = entry.Item
		s.order = append(s.order, entry.ID)
	}

	s.mu.Unlock()

	if changed {
		return s.Persist(ctx)
	}

	return nil
}

// Add inserts a new item and persists. The item stays resident in memory
// even when the persistence call fails; the failure is reported, not rolled
// back, because callers rely on in-memory presence.
func (s *Store) Add(ctx context.Context, item *download.Item) error {
	s.mu.Lock()

	if _, ok := s.items[item.ID]; ok {
		s.mu.Unlock()

		return &download.DuplicateIDError{ID: item.ID}
	}

	s.items[item.ID] = item
	s.order = append(s.order, item.ID)

	s.mu.Unlock()

	return s.Persist(ctx)
}

// Set persists the current content of an existing item. It pairs with GetRaw:
// mutate the live reference, then call Set for durability.
func (s *Store) Set(ctx context.Context, id string) error {
	s.mu.RLock()
	_, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return &download.NotFoundError{ID: id}
	}

	return s.Persist(ctx)
}

// Remove deletes an item and persists. Removing an absent id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()

	if _, ok := s.items[id]; !ok {
		s.mu.Unlock()

		return nil
	}

	delete(s.items, id)

	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}

	s.mu.Unlock()

	return s.Persist(ctx)
}

// Get returns a deep copy of the item, or nil when absent.
func (s *Store) Get(id string) *download.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.items[id].Clone()
}

// GetRaw returns the live reference for in-place mutation by the
// coordinator. Callers must call Set or Persist afterward.
func (s *Store) GetRaw(id string) *download.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.items[id]
}

// GetAll returns deep copies of every item in queue order.
func (s *Store) GetAll() []*download.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*download.Item, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.items[id].Clone())
	}

	return items
}

// GetByState returns deep copies of the items in any of the given states,
// in queue order.
func (s *Store) GetByState(states ...download.State) []*download.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*download.Item

	for _, id := range s.order {
		item := s.items[id]
		for _, state := range states {
			if item.State == state {
				items = append(items, item.Clone())

				break
			}
		}
	}

	return items
}

// GetByType returns deep copies of the items of the given type, in queue
// order.
func (s *Store) GetByType(t download.Type) []*download.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*download.Item

	for _, id := range s.order {
		if s.items[id].Type == t {
			items = append(items, s.items[id].Clone())
		}
	}

	return items
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.items[id]

	return ok
}

// Size returns the number of items present.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.items)
}

// Transition applies a direct state change after checking the legal
// transition table, then persists. Event-sourced transitions go through the
// coordinator instead, which drops illegal ones.
func (s *Store) Transition(ctx context.Context, id string, to download.State) error {
	s.mu.Lock()

	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()

		return &download.NotFoundError{ID: id}
	}

	if !download.CanTransition(item.State, to) {
		from := item.State
		s.mu.Unlock()

		return &download.IllegalTransitionError{ID: id, From: from, To: to}
	}

	item.State = to

	s.mu.Unlock()

	return s.Persist(ctx)
}

// Reorder places the named items first, in the given order. Existing items
// not named keep their relative order and follow. Unknown ids are ignored.
func (s *Store) Reorder(ctx context.Context, newOrder []string) error {
	s.mu.Lock()

	seen := make(map[string]bool, len(newOrder))
	reordered := make([]string, 0, len(s.order))

	for _, id := range newOrder {
		if _, ok := s.items[id]; ok && !seen[id] {
			reordered = append(reordered, id)
			seen[id] = true
		}
	}

	for _, id := range s.order {
		if !seen[id] {
			reordered = append(reordered, id)
		}
	}

	s.order = reordered

	s.mu.Unlock()

	return s.Persist(ctx)
}

// ClearByState removes every item in any of the given states and returns the
// removed ids. Persistence is called once, and only when something was
// removed.
func (s *Store) ClearByState(ctx context.Context, states ...download.State) ([]string, error) {
	s.mu.Lock()

	var removed []string

	remaining := make([]string, 0, len(s.order))

	for _, id := range s.order {
		item := s.items[id]

		matched := false

		for _, state := range states {
			if item.State == state {
				matched = true

				break
			}
		}

		if matched {
			delete(s.items, id)
			removed = append(removed, id)
		} else {
			remaining = append(remaining, id)
		}
	}

	s.order = remaining

	s.mu.Unlock()

	if len(removed) == 0 {
		return nil, nil
	}

	return removed, s.Persist(ctx)
}

// Persist writes the current snapshot through the persistence collaborator.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()

	snap := &persistence.Snapshot{
		Version:   persistence.CurrentVersion,
		Downloads: make([]persistence.Entry, 0, len(s.order)),
		Timestamp: s.now(),
	}

	for _, id := range s.order {
		snap.Downloads = append(snap.Downloads, persistence.Entry{ID: id, Item: s.items[id].Clone()})
	}

	s.mu.Unlock()

	if err := s.persister.SaveState(ctx, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()

		slog.Warn("snapshot persist failed, memory ahead of disk", "err", err)

		return &download.PersistenceError{Op: "save", Err: err}
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	return nil
}

// Dirty reports whether the in-memory state is ahead of the last successful
// persist.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dirty
}
