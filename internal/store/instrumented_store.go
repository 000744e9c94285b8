package store

import (
	"context"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/persistence"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry. Reads and lock operations
// pass through untouched; every persisting mutation is traced and measured,
// and queue depth gauges are refreshed after it.
type InstrumentedStore struct {
	*Store

	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented state store.
func NewInstrumentedStore(persister persistence.Persister, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		Store:     New(persister),
		telemetry: tel,
	}
}

// Load restores state from persistence with telemetry.
func (s *InstrumentedStore) Load(ctx context.Context) error {
	err := s.telemetry.InstrumentStoreOperation(ctx, "load_state", func(ctx context.Context) error {
		return s.Store.Load(ctx)
	})

	s.recordDepth()

	return err
}

// Add inserts a download with telemetry.
func (s *InstrumentedStore) Add(ctx context.Context, item *download.Item) error {
	err := s.telemetry.InstrumentStoreOperation(ctx, "add", func(ctx context.Context) error {
		return s.Store.Add(ctx, item)
	})

	s.recordDepth()

	return err
}

// Set persists an in-place mutation with telemetry.
func (s *InstrumentedStore) Set(ctx context.Context, id string) error {
	err := s.telemetry.InstrumentStoreOperation(ctx, "set", func(ctx context.Context) error {
		return s.Store.Set(ctx, id)
	})

	s.recordDepth()

	return err
}

// Remove deletes a download with telemetry.
func (s *InstrumentedStore) Remove(ctx context.Context, id string) error {
	err := s.telemetry.InstrumentStoreOperation(ctx, "remove", func(ctx context.Context) error {
		return s.Store.Remove(ctx, id)
	})

	s.recordDepth()

	return err
}

// Transition applies a state change with telemetry.
func (s *InstrumentedStore) Transition(ctx context.Context, id string, to download.State) error {
	err := s.telemetry.InstrumentStoreOperation(ctx, "transition", func(ctx context.Context) error {
		return s.Store.Transition(ctx, id, to)
	})

	s.recordDepth()

	return err
}

// Reorder rewrites queue order with telemetry.
func (s *InstrumentedStore) Reorder(ctx context.Context, newOrder []string) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "reorder", func(ctx context.Context) error {
		return s.Store.Reorder(ctx, newOrder)
	})
}

// ClearByState removes all downloads in the given states with telemetry.
func (s *InstrumentedStore) ClearByState(ctx context.Context, states ...download.State) ([]string, error) {
	var removed []string

	var err error

	instrumentedErr := s.telemetry.InstrumentStoreOperation(ctx, "clear_by_state", func(ctx context.Context) error {
		removed, err = s.Store.ClearByState(ctx, states...)

		return err
	})

	s.recordDepth()

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return removed, nil
}

// Persist flushes the full snapshot with telemetry.
func (s *InstrumentedStore) Persist(ctx context.Context) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "save_state", func(ctx context.Context) error {
		return s.Store.Persist(ctx)
	})
}

func (s *InstrumentedStore) recordDepth() {
	if s.telemetry == nil {
		return
	}

	for _, state := range []download.State{
		download.StateQueued,
		download.StateDownloading,
		download.StatePaused,
		download.StateFailed,
		download.StateCompleted,
	} {
		s.telemetry.RecordQueueDepth(string(state), int64(len(s.GetByState(state))))
	}
}
