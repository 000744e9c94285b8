// Package binary implements the plain-file transfer engine: a resumable HTTP
// downloader publishing raw task events in its own wire shape.
package binary

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/engine"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

const (
	dirPerm = 0o755

	// progressInterval bounds how often a task emits progress events.
	progressInterval = 256 * 1024
)

type task struct {
	cancel  context.CancelFunc
	removed bool
}

// Downloader downloads binary items over HTTP with Range-based resume.
type Downloader struct {
	*engine.Emitter

	downloadDir string
	client      *http.Client

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates a binary downloader writing under downloadDir.
func New(downloadDir string, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}

	return &Downloader{
		Emitter:     engine.NewEmitter("binary"),
		downloadDir: downloadDir,
		client:      client,
		tasks:       make(map[string]*task),
	}
}

func (d *Downloader) Type() download.Type {
	return download.TypeBinary
}

// Start accepts the transfer and runs it in its own goroutine. Completion,
// failure and progress arrive as events. Partial local data is resumed via
// an HTTP Range request.
func (d *Downloader) Start(ctx context.Context, item *download.Item) error {
	d.mu.Lock()

	if _, ok := d.tasks[item.ID]; ok {
		d.mu.Unlock()

		return fmt.Errorf("task %s already running", item.ID)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}
	d.tasks[item.ID] = t

	d.mu.Unlock()

	go d.run(taskCtx, t, item.Clone())

	return nil
}

// Pause stops the transfer, keeping partial data so a later Start resumes it.
func (d *Downloader) Pause(_ context.Context, id string) error {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("task %s not running", id)
	}

	t.cancel()

	return nil
}

// Remove stops the transfer and deletes all local data for id.
func (d *Downloader) Remove(_ context.Context, id string) error {
	d.mu.Lock()

	if t, ok := d.tasks[id]; ok {
		t.removed = true
		t.cancel()
	}

	d.mu.Unlock()

	return os.RemoveAll(filepath.Join(d.downloadDir, id))
}

func (d *Downloader) run(ctx context.Context, t *task, item *download.Item) {
	logger := logctx.LoggerFromContext(ctx).With("task_id", item.ID)

	defer func() {
		d.mu.Lock()
		delete(d.tasks, item.ID)
		d.mu.Unlock()
	}()

	d.Emit("taskStateChanged", map[string]any{"taskId": item.ID, "status": "ACTIVE"})

	targetPath, err := d.download(ctx, item, logger)

	d.mu.Lock()
	removed := t.removed
	d.mu.Unlock()

	switch {
	case removed:
		// Removal owns cleanup; nobody is listening for this task anymore.
	case err == nil:
		info, statErr := os.Stat(targetPath)

		var size int64
		if statErr == nil {
			size = info.Size()
		}

		logger.Info("task completed", "target", targetPath, "size", humanize.Bytes(uint64(size)))

		d.Emit("taskCompleted", map[string]any{
			"taskId":   item.ID,
			"filePath": targetPath,
			"fileSize": size,
		})
	case ctx.Err() != nil:
		logger.Info("task stopped")
		d.Emit("taskStateChanged", map[string]any{"taskId": item.ID, "status": "STOPPED"})
	default:
		logger.Error("task failed", "err", err)
		d.Emit("taskFailed", map[string]any{
			"taskId": item.ID,
			"code":   "TRANSFER_FAILED",
			"error":  err.Error(),
		})
	}
}

func (d *Downloader) download(ctx context.Context, item *download.Item, logger *slog.Logger) (string, error) {
	targetPath := filepath.Join(d.downloadDir, item.ID, fileName(item))
	partPath := targetPath + ".part"

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URI, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("remote returned 404 not found for %s", item.URI)
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; restart from scratch.
		offset = 0
	case resp.StatusCode == http.StatusPartialContent:
	default:
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, item.URI)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	out, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open part file: %w", err)
	}
	defer out.Close()

	total := offset
	if resp.ContentLength > 0 {
		total += resp.ContentLength
	}

	started := time.Now()

	pr := newProgressReader(resp.Body, offset, total, progressInterval, func(written, total int64) {
		elapsed := time.Since(started).Seconds()

		var speed int64
		if elapsed > 0 {
			speed = int64(float64(written-offset) / elapsed)
		}

		var percent float64

		var eta int64

		if total > 0 {
			percent = float64(written) * 100 / float64(total)

			if speed > 0 {
				eta = (total - written) / speed
			}
		}

		logger.Debug("task progress",
			"written", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"speed", humanize.Bytes(uint64(speed)),
		)

		d.Emit("taskProgress", map[string]any{
			"taskId":        item.ID,
			"progress":      percent,
			"bytesWritten":  written,
			"contentLength": total,
			"speed":         speed,
			"eta":           eta,
		})
	})

	if _, err := io.Copy(out, pr); err != nil {
		return "", fmt.Errorf("failed to copy payload: %w", err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush part file: %w", err)
	}

	if err := os.Rename(partPath, targetPath); err != nil {
		return "", fmt.Errorf("failed to finalize file: %w", err)
	}

	return targetPath, nil
}

// fileName derives the local file name from the item's URI, falling back to
// the id when the URI has no usable path.
func fileName(item *download.Item) string {
	if u, err := url.Parse(item.URI); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}

	return item.ID + ".bin"
}
