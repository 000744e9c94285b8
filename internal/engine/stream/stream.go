// Package stream implements the adaptive-streaming engine: it fetches an HLS
// media playlist, downloads its segments with bounded parallelism and
// concatenates them into a single local asset. It publishes raw notifications
// in the native engine's wire shape.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/engine"
	"github.com/italolelis/offline_downloader/internal/logctx"
)

const (
	dirPerm = 0o755

	// segmentParallelism bounds concurrent segment fetches per asset.
	segmentParallelism = 4
)

type task struct {
	cancel  context.CancelFunc
	removed bool
}

// Downloader downloads adaptive-streaming items.
type Downloader struct {
	*engine.Emitter

	downloadDir string
	client      *http.Client

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates a stream downloader writing under downloadDir.
func New(downloadDir string, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}

	return &Downloader{
		Emitter:     engine.NewEmitter("native"),
		downloadDir: downloadDir,
		client:      client,
		tasks:       make(map[string]*task),
	}
}

func (d *Downloader) Type() download.Type {
	return download.TypeStream
}

// Start accepts the asset and downloads it in its own goroutine. Segments
// already on disk from an earlier attempt are skipped, which makes a restart
// an effective resume.
func (d *Downloader) Start(ctx context.Context, item *download.Item) error {
	d.mu.Lock()

	if _, ok := d.tasks[item.ID]; ok {
		d.mu.Unlock()

		return fmt.Errorf("asset %s already downloading", item.ID)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}
	d.tasks[item.ID] = t

	d.mu.Unlock()

	go d.run(taskCtx, t, item.Clone())

	return nil
}

// Pause stops the download, keeping fetched segments for a later resume.
func (d *Downloader) Pause(_ context.Context, id string) error {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("asset %s not downloading", id)
	}

	t.cancel()

	return nil
}

// Remove stops the download and deletes all local data for id.
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
	logger := logctx.LoggerFromContext(ctx).With("download_id", item.ID)

	defer func() {
		d.mu.Lock()
		delete(d.tasks, item.ID)
		d.mu.Unlock()
	}()

	d.Emit("downloadStateChanged", map[string]any{"downloadId": item.ID, "state": "PREPARING"})

	fileURI, err := d.download(ctx, item)

	d.mu.Lock()
	removed := t.removed
	d.mu.Unlock()

	switch {
	case removed:
	case err == nil:
		info, statErr := os.Stat(fileURI)

		var size int64
		if statErr == nil {
			size = info.Size()
		}

		logger.Info("asset completed", "file_uri", fileURI)

		d.Emit("downloadCompleted", map[string]any{
			"downloadId": item.ID,
			"fileUri":    fileURI,
			"fileSize":   size,
		})
	case ctx.Err() != nil:
		logger.Info("asset stopped")
		d.Emit("downloadStateChanged", map[string]any{"downloadId": item.ID, "state": "STOPPED"})
	default:
		logger.Error("asset failed", "err", err)
		d.Emit("downloadFailed", map[string]any{
			"downloadId":   item.ID,
			"errorCode":    "STREAM_FAILED",
			"errorMessage": err.Error(),
		})
	}
}

func (d *Downloader) download(ctx context.Context, item *download.Item) (string, error) {
	segments, err := d.fetchPlaylist(ctx, item.URI)
	if err != nil {
		return "", err
	}

	if len(segments) == 0 {
		return "", fmt.Errorf("no playable tracks in manifest %s", item.URI)
	}

	assetDir := filepath.Join(d.downloadDir, item.ID)
	if err := os.MkdirAll(assetDir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}

	d.Emit("downloadStateChanged", map[string]any{"downloadId": item.ID, "state": "DOWNLOADING"})

	var (
		done  atomic.Int64
		bytes atomic.Int64
	)

	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(segmentParallelism)

	for i, segURL := range segments {
		g.Go(func() error {
			segPath := filepath.Join(assetDir, fmt.Sprintf("seg_%05d.ts", i))

			n, err := d.fetchSegment(gctx, segURL, segPath)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}

			fetched := done.Add(1)
			written := bytes.Add(n)
			elapsed := time.Since(started).Seconds()

			var speed int64
			if elapsed > 0 {
				speed = int64(float64(written) / elapsed)
			}

			percent := float64(fetched) * 100 / float64(len(segments))

			var remaining int64
			if fetched > 0 {
				perSegment := elapsed / float64(fetched)
				remaining = int64(perSegment * float64(int64(len(segments))-fetched))
			}

			d.Emit("downloadProgress", map[string]any{
				"downloadId":      item.ID,
				"percent":         percent,
				"bytesDownloaded": written,
				"totalBytes":      int64(0), // unknown until all segments arrive
				"speed":           speed,
				"remainingTime":   remaining,
			})

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	return d.assemble(assetDir, len(segments))
}

// fetchPlaylist downloads the media playlist and returns absolute segment
// URLs.
func (d *Downloader) fetchPlaylist(ctx context.Context, manifestURI string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("manifest returned 404 not found: %s", manifestURI)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected manifest status %d", resp.StatusCode)
	}

	base, err := url.Parse(manifestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest uri: %w", err)
	}

	var segments []string

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ref, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("asset validation failed: bad segment uri %q", line)
		}

		segments = append(segments, base.ResolveReference(ref).String())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return segments, nil
}

func (d *Downloader) fetchSegment(ctx context.Context, segURL, segPath string) (int64, error) {
	// A segment left by a previous attempt counts as fetched.
	if info, err := os.Stat(segPath); err == nil && info.Size() > 0 {
		return info.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build segment request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("segment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected segment status %d", resp.StatusCode)
	}

	tmp := segPath + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create segment file: %w", err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp)

		return 0, fmt.Errorf("failed to write segment: %w", err)
	}

	return n, os.Rename(tmp, segPath)
}

// assemble concatenates fetched segments into the final asset file and drops
// the per-segment files.
func (d *Downloader) assemble(assetDir string, count int) (string, error) {
	fileURI := filepath.Join(assetDir, "asset.ts")

	out, err := os.Create(fileURI)
	if err != nil {
		return "", fmt.Errorf("failed to create asset file: %w", err)
	}

	for i := 0; i < count; i++ {
		segPath := filepath.Join(assetDir, fmt.Sprintf("seg_%05d.ts", i))

		seg, err := os.Open(segPath)
		if err != nil {
			out.Close()

			return "", fmt.Errorf("failed to open segment %d: %w", i, err)
		}

		_, err = io.Copy(out, seg)
		seg.Close()

		if err != nil {
			out.Close()

			return "", fmt.Errorf("failed to append segment %d: %w", i, err)
		}

		os.Remove(segPath)
	}

	return fileURI, out.Close()
}
