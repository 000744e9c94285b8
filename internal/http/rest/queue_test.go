package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/http/rest"
)

type fakeQueue struct {
	added     []*download.Item
	addErr    error
	removedOK bool
	removeErr error
	pauseErr  error
	resumeErr error
	restarted []string
	reordered []string
	allPaused bool
}

func (q *fakeQueue) Add(_ context.Context, item *download.Item) error {
	if q.addErr != nil {
		return q.addErr
	}

	q.added = append(q.added, item)

	return nil
}

func (q *fakeQueue) Remove(_ context.Context, _ string) (bool, error) {
	return q.removedOK, q.removeErr
}

func (q *fakeQueue) Pause(_ context.Context, _ string) error  { return q.pauseErr }
func (q *fakeQueue) Resume(_ context.Context, _ string) error { return q.resumeErr }

func (q *fakeQueue) Restart(_ context.Context, id string) error {
	q.restarted = append(q.restarted, id)

	return nil
}

func (q *fakeQueue) Reorder(_ context.Context, ids []string) error {
	q.reordered = ids

	return nil
}

func (q *fakeQueue) PauseAll(_ context.Context)  { q.allPaused = true }
func (q *fakeQueue) ResumeAll(_ context.Context) { q.allPaused = false }
func (q *fakeQueue) IsPaused() bool              { return q.allPaused }

type fakeState struct {
	items   []*download.Item
	cleared []string
}

func (s *fakeState) Get(id string) *download.Item {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}

	return nil
}

func (s *fakeState) GetAll() []*download.Item { return s.items }

func (s *fakeState) GetByState(states ...download.State) []*download.Item {
	var out []*download.Item

	for _, item := range s.items {
		for _, st := range states {
			if item.State == st {
				out = append(out, item)
			}
		}
	}

	return out
}

func (s *fakeState) ClearByState(_ context.Context, states ...download.State) ([]string, error) {
	for _, item := range s.GetByState(states...) {
		s.cleared = append(s.cleared, item.ID)
	}

	return s.cleared, nil
}

func newServer(t *testing.T, q *fakeQueue, s *fakeState) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(rest.NewQueueHandler("", "", q, s, nil).Routes())
	t.Cleanup(srv.Close)

	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestHandleAdd(t *testing.T) {
	q := &fakeQueue{}
	srv := newServer(t, q, &fakeState{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/downloads", rest.AddDownloadRequest{
		URI:   "https://example.com/file.bin",
		Title: "file",
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, q.added, 1)

	var res rest.DownloadResource

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	// Omitted id and type get server-side defaults.
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, q.added[0].ID, res.ID)
	assert.Equal(t, download.TypeBinary, res.Type)
	assert.Equal(t, "https://example.com/file.bin", res.URI)
}

func TestHandleAddValidation(t *testing.T) {
	srv := newServer(t, &fakeQueue{}, &fakeState{})

	t.Run("missing uri", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/downloads", rest.AddDownloadRequest{Title: "x"})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/downloads", "application/json", bytes.NewBufferString("{"))
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleAddDuplicate(t *testing.T) {
	q := &fakeQueue{addErr: &download.DuplicateIDError{ID: "d1"}}
	srv := newServer(t, q, &fakeState{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/downloads", rest.AddDownloadRequest{ID: "d1", URI: "https://example.com/f"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleList(t *testing.T) {
	state := &fakeState{items: []*download.Item{
		{ID: "d1", State: download.StateDownloading},
		{ID: "d2", State: download.StateQueued},
	}}
	srv := newServer(t, &fakeQueue{}, state)

	t.Run("all", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/downloads")
		require.NoError(t, err)

		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Downloads []rest.DownloadResource `json:"downloads"`
		}

		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Len(t, body.Downloads, 2)
	})

	t.Run("filtered by state", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/downloads?state=queued")
		require.NoError(t, err)

		defer resp.Body.Close()

		var body struct {
			Downloads []rest.DownloadResource `json:"downloads"`
		}

		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Downloads, 1)
		assert.Equal(t, "d2", body.Downloads[0].ID)
	})
}

func TestHandleGet(t *testing.T) {
	state := &fakeState{items: []*download.Item{{ID: "d1", State: download.StateCompleted, FileURI: "/data/d1/f.bin"}}}
	srv := newServer(t, &fakeQueue{}, state)

	resp, err := http.Get(srv.URL + "/downloads/d1")
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res rest.DownloadResource

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "/data/d1/f.bin", res.FileURI)

	missing, err := http.Get(srv.URL + "/downloads/ghost")
	require.NoError(t, err)

	defer missing.Body.Close()

	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHandleRemove(t *testing.T) {
	t.Run("removed", func(t *testing.T) {
		srv := newServer(t, &fakeQueue{removedOK: true}, &fakeState{})

		resp := doJSON(t, http.MethodDelete, srv.URL+"/downloads/d1", nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("busy", func(t *testing.T) {
		srv := newServer(t, &fakeQueue{removedOK: false}, &fakeState{})

		resp := doJSON(t, http.MethodDelete, srv.URL+"/downloads/d1", nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestHandlePauseResumeErrors(t *testing.T) {
	q := &fakeQueue{
		pauseErr:  &download.NotFoundError{ID: "d1"},
		resumeErr: &download.IllegalTransitionError{ID: "d1", From: download.StateQueued, To: download.StateDownloading},
	}
	srv := newServer(t, q, &fakeState{})

	paused := doJSON(t, http.MethodPost, srv.URL+"/downloads/d1/pause", nil)
	defer paused.Body.Close()

	assert.Equal(t, http.StatusNotFound, paused.StatusCode)

	resumed := doJSON(t, http.MethodPost, srv.URL+"/downloads/d1/resume", nil)
	defer resumed.Body.Close()

	assert.Equal(t, http.StatusConflict, resumed.StatusCode)
}

func TestHandleRestart(t *testing.T) {
	q := &fakeQueue{}
	srv := newServer(t, q, &fakeState{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/downloads/d1/restart", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"d1"}, q.restarted)
}

func TestHandleQueueStatus(t *testing.T) {
	state := &fakeState{items: []*download.Item{
		{ID: "d1", State: download.StateDownloading},
		{ID: "d2", State: download.StateQueued},
		{ID: "d3", State: download.StateQueued},
	}}
	srv := newServer(t, &fakeQueue{allPaused: true}, state)

	resp, err := http.Get(srv.URL + "/queue")
	require.NoError(t, err)

	defer resp.Body.Close()

	var body struct {
		Paused bool           `json:"paused"`
		Counts map[string]int `json:"counts"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Paused)
	assert.Equal(t, 1, body.Counts["downloading"])
	assert.Equal(t, 2, body.Counts["queued"])
}

func TestHandleReorder(t *testing.T) {
	q := &fakeQueue{}
	srv := newServer(t, q, &fakeState{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/queue/reorder", rest.ReorderRequest{IDs: []string{"d2", "d1"}})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"d2", "d1"}, q.reordered)
}

func TestHandleClear(t *testing.T) {
	state := &fakeState{items: []*download.Item{
		{ID: "d1", State: download.StateCompleted},
		{ID: "d2", State: download.StateFailed},
		{ID: "d3", State: download.StateQueued},
	}}
	srv := newServer(t, &fakeQueue{}, state)

	resp := doJSON(t, http.MethodPost, srv.URL+"/queue/clear", rest.ClearRequest{
		States: []download.State{download.StateCompleted, download.StateFailed},
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Removed []string `json:"removed"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []string{"d1", "d2"}, body.Removed)

	t.Run("empty states rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/queue/clear", rest.ClearRequest{})
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBasicAuth(t *testing.T) {
	srv := httptest.NewServer(rest.NewQueueHandler("admin", "secret", &fakeQueue{}, &fakeState{}, nil).Routes())
	t.Cleanup(srv.Close)

	t.Run("no credentials", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/downloads")
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong password", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/downloads", nil)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "nope")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid credentials", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/downloads", nil)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "secret")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
