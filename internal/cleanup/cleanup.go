// Package cleanup removes local files that no longer belong to any tracked
// download.
package cleanup

import (
	"context"
	"os"
	"path/filepath"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

// DeleteOrphanedFiles walks the download directory and removes entries that
// no tracked download owns. Engines lay out one file or directory per
// download id, so anything else is leftover from a crashed or removed job.
func DeleteOrphanedFiles(ctx context.Context, items []*download.Item, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	owned := make(map[string]struct{}, len(items))

	for _, item := range items {
		owned[item.ID] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if _, ok := owned[entry.Name()]; ok {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to delete orphaned file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted orphaned file", "file", path)
	}

	return nil
}
