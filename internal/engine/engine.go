// Package engine defines the contract between the download queue and the
// transfer engines that execute jobs, plus the raw-event emitter engines use
// to publish their notifications.
package engine

import (
	"context"

	"github.com/italolelis/offline_downloader/internal/bridge"
	"github.com/italolelis/offline_downloader/internal/download"
)

// Engine executes downloads of one item type. Engines run their own
// concurrent transfer execution and report back only through raw events on
// their bridge.Source side; the queue core never blocks on them.
//
// Start is asynchronous: it returns once the transfer is accepted, completion
// and failure arrive as events. Starting an item with partial local data
// resumes it.
type Engine interface {
	bridge.Source

	Type() download.Type
	Start(ctx context.Context, item *download.Item) error
	Pause(ctx context.Context, id string) error
	// Remove stops the transfer and deletes any local data for id.
	Remove(ctx context.Context, id string) error
}
