// Package bridge normalizes heterogeneous downloader-engine notifications
// into a single callback contract consumed by the queue coordinator.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/offline_downloader/internal/download"
)

// Handler receives a raw event payload from a source.
type Handler func(payload map[string]any)

// Source is one external notification source. Subscribe registers a handler
// for a named event and returns the disposer that removes it.
type Source interface {
	Name() string
	Subscribe(event string, h Handler) func()
}

// SubscribeAll registers the handler for every event the profile knows about
// and returns a single disposer covering them all.
func SubscribeAll(src Source, profile Profile, h Handler) func() {
	unsubs := make([]func(), 0, 4)
	for _, event := range profile.Events() {
		unsubs = append(unsubs, src.Subscribe(event, h))
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Progress is a normalized progress notification.
type Progress struct {
	Percent         float64
	BytesDownloaded int64
	TotalBytes      int64
	Speed           int64
	RemainingTime   int64
}

// Failure is a normalized failure notification.
type Failure struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// Callbacks is the canonical contract the bridge forwards to. All four must
// be set.
type Callbacks struct {
	OnProgress     func(id string, p Progress)
	OnCompleted    func(id string, fileURI string, fileSize int64)
	OnFailed       func(id string, f Failure)
	OnStateChanged func(id string, mapped download.State, raw string, extra map[string]any)
}

// Guard lets the bridge drop events that must not reach the coordinator:
// unknown jobs, jobs mid-removal, and progress while globally paused.
type Guard interface {
	HasDownload(id string) bool
	IsBeingRemoved(id string) bool
	IsPaused() bool
}

type boundSource struct {
	src     Source
	profile Profile
}

// Bridge subscribes to N sources and forwards normalized events.
type Bridge struct {
	mu      sync.Mutex
	sources []boundSource
	unsubs  []func()

	guard Guard
	cb    Callbacks
}

// New creates a bridge with no sources bound yet.
func New(guard Guard, cb Callbacks) *Bridge {
	return &Bridge{guard: guard, cb: cb}
}

// AddSource binds a source with its normalization profile. Must be called
// before Setup.
func (b *Bridge) AddSource(src Source, profile Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sources = append(b.sources, boundSource{src: src, profile: profile})
}

// Setup subscribes to every configured source and records the unsubscribe
// handles for Teardown.
func (b *Bridge) Setup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bound := range b.sources {
		src, profile := bound.src, bound.profile

		b.unsubs = append(b.unsubs,
			src.Subscribe(profile.ProgressEvent, func(payload map[string]any) {
				b.handleProgress(src.Name(), profile, payload)
			}),
			src.Subscribe(profile.CompletedEvent, func(payload map[string]any) {
				b.handleCompleted(src.Name(), profile, payload)
			}),
			src.Subscribe(profile.FailedEvent, func(payload map[string]any) {
				b.handleFailed(src.Name(), profile, payload)
			}),
			src.Subscribe(profile.StateChangedEvent, func(payload map[string]any) {
				b.handleStateChanged(src.Name(), profile, payload)
			}),
		)
	}
}

// Teardown invokes every recorded unsubscribe handle exactly once and clears
// the list. Safe to call even if Setup never ran, and safe to call twice.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (b *Bridge) handleProgress(source string, profile Profile, payload map[string]any) {
	id, ok := resolveID(profile, payload)
	if !ok {
		slog.Warn("dropping progress event without job id", "source", source)

		return
	}

	// Progress is suppressed entirely while the system is paused; other
	// event kinds still flow.
	if b.guard.IsPaused() {
		return
	}

	if !b.guard.HasDownload(id) || b.guard.IsBeingRemoved(id) {
		return
	}

	fields := normalize(profile, payload)

	b.cb.OnProgress(id, Progress{
		Percent:         floatField(fields, FieldPercent),
		BytesDownloaded: intField(fields, FieldBytesDownloaded),
		TotalBytes:      intField(fields, FieldTotalBytes),
		Speed:           intField(fields, FieldSpeed),
		RemainingTime:   intField(fields, FieldRemainingTime),
	})
}

func (b *Bridge) handleCompleted(source string, profile Profile, payload map[string]any) {
	id, ok := resolveID(profile, payload)
	if !ok {
		slog.Warn("dropping completed event without job id", "source", source)

		return
	}

	fields := normalize(profile, payload)

	b.cb.OnCompleted(id, stringField(fields, FieldFileURI), intField(fields, FieldFileSize))
}

func (b *Bridge) handleFailed(source string, profile Profile, payload map[string]any) {
	id, ok := resolveID(profile, payload)
	if !ok {
		slog.Warn("dropping failed event without job id", "source", source)

		return
	}

	fields := normalize(profile, payload)

	b.cb.OnFailed(id, Failure{
		Code:      stringField(fields, FieldCode),
		Message:   stringField(fields, FieldMessage),
		Timestamp: time.Now(),
	})
}

func (b *Bridge) handleStateChanged(source string, profile Profile, payload map[string]any) {
	id, ok := resolveID(profile, payload)
	if !ok {
		slog.Warn("dropping state event without job id", "source", source)

		return
	}

	if !b.guard.HasDownload(id) || b.guard.IsBeingRemoved(id) {
		return
	}

	fields := normalize(profile, payload)
	raw := stringField(fields, FieldState)

	mapped, known := MapState(raw)
	if !known {
		// Documented fallback: unknown engine states count as queued.
		slog.Warn("unrecognized engine state, defaulting to queued", "source", source, "raw_state", raw)
	}

	extra := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != FieldState {
			extra[k] = v
		}
	}

	b.cb.OnStateChanged(id, mapped, raw, extra)
}

// resolveID finds the job-id using the profile's candidate fields.
func resolveID(profile Profile, payload map[string]any) (string, bool) {
	for _, field := range profile.IDFields {
		if v, ok := payload[field]; ok {
			if id := toString(v); id != "" {
				return id, true
			}
		}
	}

	return "", false
}

// normalize renames raw payload fields to their canonical names.
func normalize(profile Profile, payload map[string]any) map[string]any {
	fields := make(map[string]any, len(payload))

	for k, v := range payload {
		if canonical, ok := profile.Aliases[k]; ok {
			fields[canonical] = v
		} else {
			fields[k] = v
		}
	}

	return fields
}

func floatField(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func intField(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}

func stringField(fields map[string]any, key string) string {
	return toString(fields[key])
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	default:
		return ""
	}
}
