// Package queue orchestrates the download queue: it is the only component
// that mutates the state store and schedules retries in response to event
// bridge callbacks, and it enforces the concurrency cap.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/offline_downloader/internal/bridge"
	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/engine"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/notifier"
	"github.com/italolelis/offline_downloader/internal/retry"
	"github.com/italolelis/offline_downloader/internal/store"
)

// DefaultMaxConcurrent caps how many jobs may be in downloading/preparing at
// once.
const DefaultMaxConcurrent = 3

// persistStep is how much progress (in percent) accumulates before a hot-path
// progress update is flushed to persistence.
const persistStep = 10.0

// Store is the subset of the state store the coordinator drives. Both the
// plain store and its instrumented wrapper satisfy it.
type Store interface {
	Add(ctx context.Context, item *download.Item) error
	Remove(ctx context.Context, id string) error
	Get(id string) *download.Item
	GetRaw(id string) *download.Item
	GetAll() []*download.Item
	GetByState(states ...download.State) []*download.Item
	Set(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, to download.State) error
	Reorder(ctx context.Context, newOrder []string) error
	Has(id string) bool

	AcquireLock(id string, op store.LockOperation) bool
	ReleaseLock(id string)
	IsBeingRemoved(id string) bool
}

// ErrUnknownType is returned when no engine is registered for an item type.
var ErrUnknownType = errors.New("no engine for download type")

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Coordinator exposes the queue operations and reacts to engine events.
type Coordinator struct {
	store   Store
	retries *retry.Policy
	engines map[download.Type]engine.Engine
	notif   notifier.Notifier

	maxConcurrent int
	paused        atomic.Bool

	// mu serializes dispatch decisions and event handling so each job-id has
	// at most one writer at a time.
	mu  sync.Mutex
	ctx context.Context

	// lastPersisted tracks the progress percentage at the last flush per job.
	lastPersisted map[string]float64
}

// New creates a coordinator. notif may be nil. maxConcurrent falls back to
// DefaultMaxConcurrent when non-positive.
func New(st Store, retries *retry.Policy, engines []engine.Engine, maxConcurrent int, notif notifier.Notifier) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	byType := make(map[download.Type]engine.Engine, len(engines))
	for _, e := range engines {
		byType[e.Type()] = e
	}

	return &Coordinator{
		store:         st,
		retries:       retries,
		engines:       byType,
		notif:         notif,
		maxConcurrent: maxConcurrent,
		ctx:           context.Background(),
		lastPersisted: make(map[string]float64),
	}
}

// Run binds the coordinator to its lifetime context and kicks off dispatch
// for jobs recovered from persistence. It must be called before any engine
// event can arrive.
func (c *Coordinator) Run(ctx context.Context) {
	c.ctx = ctx

	c.dispatch(ctx)
}

// Callbacks returns the canonical event contract for the bridge. The
// coordinator is its sole subscriber.
func (c *Coordinator) Callbacks() bridge.Callbacks {
	return bridge.Callbacks{
		OnProgress:     c.onProgress,
		OnCompleted:    c.onCompleted,
		OnFailed:       c.onFailed,
		OnStateChanged: c.onStateChanged,
	}
}

// HasDownload implements bridge.Guard.
func (c *Coordinator) HasDownload(id string) bool {
	return c.store.Has(id)
}

// IsBeingRemoved implements bridge.Guard.
func (c *Coordinator) IsBeingRemoved(id string) bool {
	return c.store.IsBeingRemoved(id)
}

// IsPaused implements bridge.Guard.
func (c *Coordinator) IsPaused() bool {
	return c.paused.Load()
}

// Add inserts a new job in queued state and dispatches.
func (c *Coordinator) Add(ctx context.Context, item *download.Item) error {
	if item.ID == "" {
		return fmt.Errorf("download id is required")
	}

	if _, ok := c.engines[item.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, item.Type)
	}

	item.State = download.StateQueued

	if err := c.store.Add(ctx, item); err != nil {
		// A persistence failure still leaves the item resident; report it
		// but keep the queue moving.
		var perr *download.PersistenceError
		if !errors.As(err, &perr) {
			return err
		}

		logctx.LoggerFromContext(ctx).Warn("added download without durability", "download_id", item.ID, "err", err)
	}

	c.dispatch(ctx)

	return nil
}

// Remove deletes a job, its retry record and its local data. The boolean is
// false when the id is locked by a concurrent operation; callers retry later.
// Removing an absent id is a benign no-op.
func (c *Coordinator) Remove(ctx context.Context, id string) (bool, error) {
	if !c.store.Has(id) {
		return true, nil
	}

	if !c.store.AcquireLock(id, store.LockRemoving) {
		return false, nil
	}
	defer c.store.ReleaseLock(id)

	c.retries.ClearRetries(id)

	if item := c.store.Get(id); item != nil {
		if eng, ok := c.engines[item.Type]; ok {
			if err := eng.Remove(ctx, id); err != nil {
				logctx.LoggerFromContext(ctx).Warn("failed to remove local data", "download_id", id, "err", err)
			}
		}
	}

	if err := c.store.Remove(ctx, id); err != nil {
		return true, err
	}

	c.mu.Lock()
	delete(c.lastPersisted, id)
	c.mu.Unlock()

	c.dispatch(ctx)

	return true, nil
}

// Pause suspends one job. Valid only while it is downloading.
func (c *Coordinator) Pause(ctx context.Context, id string) error {
	item := c.store.Get(id)
	if item == nil {
		return &download.NotFoundError{ID: id}
	}

	if err := c.store.Transition(ctx, id, download.StatePaused); err != nil {
		return err
	}

	if eng, ok := c.engines[item.Type]; ok {
		if err := eng.Pause(ctx, id); err != nil {
			logctx.LoggerFromContext(ctx).Warn("engine pause failed", "download_id", id, "err", err)
		}
	}

	c.dispatch(ctx)

	return nil
}

// Resume continues one paused job. When a concurrency slot is free it goes
// straight back to downloading; otherwise it re-enters the queue and waits.
func (c *Coordinator) Resume(ctx context.Context, id string) error {
	item := c.store.Get(id)
	if item == nil {
		return &download.NotFoundError{ID: id}
	}

	if item.State != download.StatePaused {
		return &download.IllegalTransitionError{ID: id, From: item.State, To: download.StateDownloading}
	}

	c.mu.Lock()
	slotFree := len(c.store.GetByState(download.StateDownloading, download.StatePreparing)) < c.maxConcurrent
	c.mu.Unlock()

	if !slotFree || c.paused.Load() {
		return c.store.Transition(ctx, id, download.StateQueued)
	}

	if err := c.store.Transition(ctx, id, download.StateDownloading); err != nil {
		return err
	}

	if err := c.startEngine(ctx, id); err != nil {
		c.onFailed(id, bridge.Failure{Code: "ENGINE_START_FAILED", Message: err.Error(), Timestamp: nowFunc()})

		return err
	}

	return nil
}

// Restart re-runs a failed or cancelled job from scratch, resetting its retry
// budget.
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	if err := c.store.Transition(ctx, id, download.StateRestarting); err != nil {
		return err
	}

	c.retries.ClearRetries(id)

	if raw := c.store.GetRaw(id); raw != nil {
		raw.Stats.RetryCount = 0
		raw.Stats.Error = ""
		raw.Stats.ProgressPercent = 0
		raw.Stats.BytesDownloaded = 0
	}

	if err := c.store.Transition(ctx, id, download.StatePreparing); err != nil {
		return err
	}

	if err := c.startEngine(ctx, id); err != nil {
		c.onFailed(id, bridge.Failure{Code: "ENGINE_START_FAILED", Message: err.Error(), Timestamp: nowFunc()})

		return err
	}

	return nil
}

// Reorder places the named jobs first in the queue, in the given order.
func (c *Coordinator) Reorder(ctx context.Context, ids []string) error {
	return c.store.Reorder(ctx, ids)
}

// PauseAll suspends the whole queue: active jobs pause, progress events are
// suppressed and dispatch stops promoting.
func (c *Coordinator) PauseAll(ctx context.Context) {
	if c.paused.Swap(true) {
		return
	}

	logctx.LoggerFromContext(ctx).Info("pausing all downloads")

	for _, item := range c.store.GetByState(download.StateDownloading, download.StatePreparing) {
		if err := c.Pause(ctx, item.ID); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to pause download", "download_id", item.ID, "err", err)
		}
	}
}

// ResumeAll lifts the global pause and re-queues paused jobs.
func (c *Coordinator) ResumeAll(ctx context.Context) {
	if !c.paused.Swap(false) {
		return
	}

	logctx.LoggerFromContext(ctx).Info("resuming all downloads")

	for _, item := range c.store.GetByState(download.StatePaused) {
		if err := c.store.Transition(ctx, item.ID, download.StateQueued); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to requeue download", "download_id", item.ID, "err", err)
		}
	}

	c.dispatch(ctx)
}

// OnLowSpace reacts to the storage monitor: low space pauses everything,
// recovered space resumes.
func (c *Coordinator) OnLowSpace(ctx context.Context, low bool) {
	if low {
		c.PauseAll(ctx)
	} else {
		c.ResumeAll(ctx)
	}
}

// OnConnectivity reacts to the network monitor.
func (c *Coordinator) OnConnectivity(ctx context.Context, connected bool) {
	if connected {
		c.ResumeAll(ctx)
	} else {
		c.PauseAll(ctx)
	}
}

// dispatch promotes queued jobs while concurrency slots are free. The
// earliest-queued job wins; insertion order is the tie-break.
func (c *Coordinator) dispatch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused.Load() {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for {
		active := len(c.store.GetByState(download.StateDownloading, download.StatePreparing))
		if active >= c.maxConcurrent {
			return
		}

		queued := c.store.GetByState(download.StateQueued)
		if len(queued) == 0 {
			return
		}

		next := queued[0]

		if err := c.store.Transition(ctx, next.ID, download.StatePreparing); err != nil {
			logger.Error("failed to promote download", "download_id", next.ID, "err", err)

			return
		}

		logger.Info("download promoted", "download_id", next.ID, "type", next.Type)

		if err := c.startEngine(ctx, next.ID); err != nil {
			logger.Error("failed to start download", "download_id", next.ID, "err", err)
			c.failStartLocked(ctx, next.ID, err)
		}
	}
}

// startEngine hands the job to its engine. On error the caller decides how to
// record the failure; dispatch already holds the coordinator lock, the direct
// operations do not.
func (c *Coordinator) startEngine(ctx context.Context, id string) error {
	raw := c.store.GetRaw(id)
	if raw == nil {
		return &download.NotFoundError{ID: id}
	}

	eng, ok := c.engines[raw.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, raw.Type)
	}

	return eng.Start(c.ctx, raw.Clone())
}

// failStartLocked records a synchronous engine start failure. Caller holds
// c.mu.
func (c *Coordinator) failStartLocked(ctx context.Context, id string, startErr error) {
	logger := logctx.LoggerFromContext(ctx)

	raw := c.store.GetRaw(id)
	if raw == nil {
		return
	}

	if download.CanTransition(raw.State, download.StateFailed) {
		raw.State = download.StateFailed
	}

	raw.Stats.Error = startErr.Error()

	if err := c.store.Set(ctx, id); err != nil {
		logger.Warn("failed to persist failure", "download_id", id, "err", err)
	}

	if !c.retries.ShouldRetry(id, startErr) {
		logger.Error("download failed permanently", "download_id", id, "err", startErr)
		c.notify(ctx, "❌ Download failed: "+raw.Title+" ("+id+"): "+startErr.Error())

		return
	}

	c.retries.ScheduleRetry(id, c.retryCallback(id))
}

// retryCallback re-queues a job once its backoff delay elapses.
func (c *Coordinator) retryCallback(id string) func() {
	return func() {
		ctx := c.runCtx()

		if raw := c.store.GetRaw(id); raw != nil {
			raw.Stats.RetryCount = c.retries.RetryCount(id)
		}

		if err := c.store.Transition(ctx, id, download.StateQueued); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to requeue for retry", "download_id", id, "err", err)

			return
		}

		c.dispatch(ctx)
	}
}

func (c *Coordinator) runCtx() context.Context {
	return c.ctx
}

func (c *Coordinator) onProgress(id string, p bridge.Progress) {
	ctx := c.runCtx()

	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.store.GetRaw(id)
	if raw == nil {
		return
	}

	// First progress for a preparing job means the engine went active.
	if raw.State == download.StatePreparing {
		raw.State = download.StateDownloading
	}

	// Progress is monotonic while downloading; stale or reordered updates
	// are dropped rather than rolled back.
	if p.Percent < raw.Stats.ProgressPercent {
		return
	}

	raw.Stats.ProgressPercent = p.Percent
	raw.Stats.BytesDownloaded = p.BytesDownloaded

	if p.TotalBytes > 0 {
		raw.Stats.TotalBytes = p.TotalBytes
	}

	raw.Stats.DownloadSpeed = p.Speed
	raw.Stats.RemainingTime = p.RemainingTime

	// Persist periodically, not per event, to bound I/O on the hot path.
	if p.Percent-c.lastPersisted[id] >= persistStep || p.Percent >= 100 {
		if err := c.store.Set(ctx, id); err != nil {
			logctx.LoggerFromContext(ctx).Warn("failed to persist progress", "download_id", id, "err", err)
		}

		c.lastPersisted[id] = p.Percent
	}
}

func (c *Coordinator) onCompleted(id string, fileURI string, fileSize int64) {
	ctx := c.runCtx()
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()

	raw := c.store.GetRaw(id)
	if raw == nil {
		c.mu.Unlock()

		return
	}

	// A tiny transfer can complete before any progress event arrives.
	if raw.State == download.StatePreparing {
		raw.State = download.StateDownloading
	}

	if !download.CanTransition(raw.State, download.StateCompleted) {
		logger.Warn("dropping completed event in illegal state", "download_id", id, "state", raw.State)
		c.mu.Unlock()

		return
	}

	raw.State = download.StateCompleted
	raw.Stats.ProgressPercent = 100
	raw.Stats.DownloadedAt = nowFunc()
	raw.Stats.Error = ""

	if fileSize > 0 {
		raw.Stats.TotalBytes = fileSize
		raw.Stats.BytesDownloaded = fileSize
	}

	if fileURI != "" {
		raw.FileURI = fileURI
	}

	title := raw.Title

	if err := c.store.Set(ctx, id); err != nil {
		logger.Warn("failed to persist completion", "download_id", id, "err", err)
	}

	delete(c.lastPersisted, id)
	c.mu.Unlock()

	c.retries.ClearRetries(id)

	logger.Info("download completed", "download_id", id, "file_uri", fileURI)

	c.notify(ctx, "✅ Download finished: "+title+" ("+id+")")
	c.dispatch(ctx)
}

func (c *Coordinator) onFailed(id string, f bridge.Failure) {
	ctx := c.runCtx()
	logger := logctx.LoggerFromContext(ctx)

	failure := fmt.Errorf("%s: %s", f.Code, f.Message)

	c.mu.Lock()

	raw := c.store.GetRaw(id)
	if raw == nil {
		c.mu.Unlock()

		return
	}

	if !download.CanTransition(raw.State, download.StateFailed) {
		logger.Warn("dropping failed event in illegal state", "download_id", id, "state", raw.State)
		c.mu.Unlock()

		return
	}

	raw.State = download.StateFailed
	raw.Stats.Error = failure.Error()

	title := raw.Title

	if err := c.store.Set(ctx, id); err != nil {
		logger.Warn("failed to persist failure", "download_id", id, "err", err)
	}

	c.mu.Unlock()

	if !c.retries.ShouldRetry(id, failure) {
		logger.Error("download failed permanently", "download_id", id, "err", failure)

		c.notify(ctx, "❌ Download failed: "+title+" ("+id+"): "+f.Message)
		c.dispatch(ctx)

		return
	}

	c.retries.ScheduleRetry(id, c.retryCallback(id))

	logger.Warn("download failed, retry scheduled",
		"download_id", id,
		"attempt", c.retries.RetryCount(id),
		"err", failure,
	)
}

func (c *Coordinator) onStateChanged(id string, mapped download.State, rawState string, _ map[string]any) {
	ctx := c.runCtx()
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()

	item := c.store.GetRaw(id)
	if item == nil {
		c.mu.Unlock()

		return
	}

	if item.State == mapped {
		c.mu.Unlock()

		return
	}

	// Event-sourced transitions cannot be rejected upstream; illegal ones
	// are logged and dropped instead of corrupting state.
	if !download.CanTransition(item.State, mapped) {
		logger.Warn("ignoring illegal engine transition",
			"download_id", id,
			"from", item.State,
			"to", mapped,
			"raw_state", rawState,
		)
		c.mu.Unlock()

		return
	}

	item.State = mapped

	if mapped == download.StateDownloading && item.Stats.StartedAt.IsZero() {
		item.Stats.StartedAt = nowFunc()
	}

	if err := c.store.Set(ctx, id); err != nil {
		logger.Warn("failed to persist state change", "download_id", id, "err", err)
	}

	c.mu.Unlock()

	c.dispatch(ctx)
}

func (c *Coordinator) notify(ctx context.Context, message string) {
	if c.notif == nil {
		return
	}

	if err := c.notif.Notify(message); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to send notification", "err", err)
	}
}
