package persistence

import (
	"context"
	"time"

	"github.com/italolelis/offline_downloader/internal/download"
)

// CurrentVersion is the snapshot layout written by this build. Loading an
// older version upgrades it in place before the store sees it.
const CurrentVersion = 2

// Entry pairs an id with its item, preserving queue order.
type Entry struct {
	ID   string         `json:"id"`
	Item *download.Item `json:"item"`
}

// Snapshot is the versioned persisted record of the whole download map.
type Snapshot struct {
	Version   int       `json:"version"`
	Downloads []Entry   `json:"downloads"`
	Timestamp time.Time `json:"timestamp"`
}

// Persister is the persistence collaborator of the state store. SaveState is
// called frequently and debounced by callers; last write wins.
type Persister interface {
	SaveState(ctx context.Context, snap *Snapshot) error
	LoadState(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Upgrade brings an older snapshot up to CurrentVersion, filling missing
// fields with defaults. It reports whether anything changed so callers can
// re-persist upgraded data.
func Upgrade(snap *Snapshot) bool {
	if snap == nil {
		return false
	}

	changed := false

	if snap.Version < CurrentVersion {
		for i := range snap.Downloads {
			item := snap.Downloads[i].Item
			if item == nil {
				continue
			}

			if item.ID == "" {
				item.ID = snap.Downloads[i].ID
				changed = true
			}

			if item.Type == "" {
				item.Type = download.TypeBinary
				changed = true
			}

			if !item.State.Valid() {
				item.State = download.StateQueued
				changed = true
			}

			if item.CreatedAt.IsZero() {
				item.CreatedAt = snap.Timestamp
				changed = true
			}
		}

		snap.Version = CurrentVersion
		changed = true
	}

	return changed
}
