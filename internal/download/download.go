package download

import (
	"time"
)

// Type discriminates how a download is executed.
type Type string

const (
	// TypeBinary is a plain file transfer (single payload, resumable by byte range).
	TypeBinary Type = "binary"
	// TypeStream is an adaptive-streaming asset (manifest plus media segments).
	TypeStream Type = "stream"
)

// Stats carries the mutable progress counters of a download.
type Stats struct {
	ProgressPercent float64   `json:"progress_percent"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	DownloadSpeed   int64     `json:"download_speed"`
	RemainingTime   int64     `json:"remaining_time"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	DownloadedAt    time.Time `json:"downloaded_at,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Error           string    `json:"error,omitempty"`
}

// Item is one user-requested download job. The id is stable and never reused
// while the item exists in the store.
type Item struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	State      State             `json:"state"`
	URI        string            `json:"uri"`
	Title      string            `json:"title"`
	ProfileIDs []string          `json:"profile_ids,omitempty"`
	Stats      Stats             `json:"stats"`
	FileURI    string            `json:"file_uri,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a deep copy of the item. The store hands out clones so
// callers cannot mutate its internal state through a read.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}

	clone := *i

	if i.ProfileIDs != nil {
		clone.ProfileIDs = make([]string, len(i.ProfileIDs))
		copy(clone.ProfileIDs, i.ProfileIDs)
	}

	if i.Metadata != nil {
		clone.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// IsTerminal reports whether the item reached a state from which only
// removal or an explicit restart can follow.
func (i *Item) IsTerminal() bool {
	return i.State == StateCompleted || i.State == StateFailed || i.State == StateCancelled
}

// IsActive reports whether the item currently occupies a concurrency slot.
func (i *Item) IsActive() bool {
	return i.State == StateDownloading || i.State == StatePreparing
}
