package binary_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/engine/binary"
)

func newItem(id, uri string) *download.Item {
	return &download.Item{
		ID:        id,
		Type:      download.TypeBinary,
		URI:       uri,
		State:     download.StatePreparing,
		CreatedAt: time.Now(),
	}
}

// collect subscribes to event and returns a channel carrying its payloads.
func collect(t *testing.T, d *binary.Downloader, event string) <-chan map[string]any {
	t.Helper()

	ch := make(chan map[string]any, 16)

	dispose := d.Subscribe(event, func(payload map[string]any) {
		ch <- payload
	})
	t.Cleanup(dispose)

	return ch
}

func waitFor(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()

	select {
	case payload := <-ch:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")

		return nil
	}
}

func TestDownloadCompletes(t *testing.T) {
	const body = "hello, offline world"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	d := binary.New(dir, srv.Client())

	completed := collect(t, d, "taskCompleted")

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL+"/file.bin")))

	payload := waitFor(t, completed)
	assert.Equal(t, "d1", payload["taskId"])
	assert.Equal(t, int64(len(body)), payload["fileSize"])

	target := filepath.Join(dir, "d1", "file.bin")
	assert.Equal(t, target, payload["filePath"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	// The part file is gone once the transfer finalizes.
	_, err = os.Stat(target + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadResumesFromPartFile(t *testing.T) {
	const full = "0123456789abcdef"

	var gotRange string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")

		if strings.HasPrefix(gotRange, "bytes=") {
			offset := int64(8)
			w.Header().Set("Content-Range", "bytes 8-15/16")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte(full[offset:]))

			return
		}

		_, _ = w.Write([]byte(full))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()

	// Simulate a half-finished earlier attempt.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1", "file.bin.part"), []byte(full[:8]), 0o644))

	d := binary.New(dir, srv.Client())
	completed := collect(t, d, "taskCompleted")

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL+"/file.bin")))

	waitFor(t, completed)

	assert.Equal(t, "bytes=8-", gotRange)

	data, err := os.ReadFile(filepath.Join(dir, "d1", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	const full = "0123456789abcdef"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Plain 200: the server does not honor ranges.
		_, _ = w.Write([]byte(full))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1", "file.bin.part"), []byte("stale"), 0o644))

	d := binary.New(dir, srv.Client())
	completed := collect(t, d, "taskCompleted")

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL+"/file.bin")))

	waitFor(t, completed)

	data, err := os.ReadFile(filepath.Join(dir, "d1", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	d := binary.New(t.TempDir(), srv.Client())
	failed := collect(t, d, "taskFailed")

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL+"/missing.bin")))

	payload := waitFor(t, failed)
	assert.Equal(t, "d1", payload["taskId"])
	assert.Equal(t, "TRANSFER_FAILED", payload["code"])
	assert.Contains(t, payload["error"], "404")
}

func TestStartRejectsDuplicateTask(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := binary.New(t.TempDir(), srv.Client())

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL)))

	err := d.Start(context.Background(), newItem("d1", srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestPauseKeepsPartialData(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write([]byte(strings.Repeat("a", 1024)))
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	dir := t.TempDir()
	d := binary.New(dir, srv.Client())

	stateChanged := collect(t, d, "taskStateChanged")

	require.NoError(t, d.Start(context.Background(), newItem("d1", srv.URL+"/big.bin")))

	// Drain the initial ACTIVE notification before pausing.
	first := waitFor(t, stateChanged)
	assert.Equal(t, "ACTIVE", first["status"])

	partPath := filepath.Join(dir, "d1", "big.bin.part")

	require.Eventually(t, func() bool {
		info, err := os.Stat(partPath)

		return err == nil && info.Size() > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Pause(context.Background(), "d1"))

	stopped := waitFor(t, stateChanged)
	assert.Equal(t, "STOPPED", stopped["status"])

	info, err := os.Stat(partPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestRemoveDeletesLocalData(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1", "file.bin.part"), []byte("partial"), 0o644))

	d := binary.New(dir, nil)

	require.NoError(t, d.Remove(context.Background(), "d1"))

	_, err := os.Stat(filepath.Join(dir, "d1"))
	assert.True(t, os.IsNotExist(err))
}
