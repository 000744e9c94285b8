package bridge

import (
	"strings"

	"github.com/italolelis/offline_downloader/internal/download"
)

// Canonical payload fields every source is normalized to.
const (
	FieldPercent         = "percent"
	FieldBytesDownloaded = "bytes_downloaded"
	FieldTotalBytes      = "total_bytes"
	FieldSpeed           = "speed"
	FieldRemainingTime   = "remaining_time"
	FieldFileURI         = "file_uri"
	FieldFileSize        = "file_size"
	FieldCode            = "code"
	FieldMessage         = "message"
	FieldState           = "state"
)

// Profile describes how one notification source names its events and payload
// fields. The bridge uses it to normalize raw events before invoking the
// canonical callbacks.
type Profile struct {
	ProgressEvent     string
	CompletedEvent    string
	FailedEvent       string
	StateChangedEvent string

	// IDFields are checked in order to resolve the job-id.
	IDFields []string

	// Aliases maps raw field names to canonical ones. Fields without an
	// alias pass through unchanged.
	Aliases map[string]string
}

// Events lists every event name the profile knows about.
func (p Profile) Events() []string {
	return []string{p.ProgressEvent, p.CompletedEvent, p.FailedEvent, p.StateChangedEvent}
}

// NativeProfile matches the adaptive-streaming engine's notification shapes.
func NativeProfile() Profile {
	return Profile{
		ProgressEvent:     "downloadProgress",
		CompletedEvent:    "downloadCompleted",
		FailedEvent:       "downloadFailed",
		StateChangedEvent: "downloadStateChanged",
		IDFields:          []string{"downloadId", "id"},
		Aliases: map[string]string{
			"percent":         FieldPercent,
			"bytesDownloaded": FieldBytesDownloaded,
			"totalBytes":      FieldTotalBytes,
			"speed":           FieldSpeed,
			"remainingTime":   FieldRemainingTime,
			"fileUri":         FieldFileURI,
			"fileSize":        FieldFileSize,
			"errorCode":       FieldCode,
			"errorMessage":    FieldMessage,
			"state":           FieldState,
		},
	}
}

// BinaryProfile matches the binary transfer engine's notification shapes.
func BinaryProfile() Profile {
	return Profile{
		ProgressEvent:     "taskProgress",
		CompletedEvent:    "taskCompleted",
		FailedEvent:       "taskFailed",
		StateChangedEvent: "taskStateChanged",
		IDFields:          []string{"taskId", "id"},
		Aliases: map[string]string{
			"progress":      FieldPercent,
			"bytesWritten":  FieldBytesDownloaded,
			"contentLength": FieldTotalBytes,
			"speed":         FieldSpeed,
			"eta":           FieldRemainingTime,
			"filePath":      FieldFileURI,
			"fileSize":      FieldFileSize,
			"code":          FieldCode,
			"error":         FieldMessage,
			"status":        FieldState,
		},
	}
}

// stateTable maps raw engine state strings (upper-cased) to canonical states.
var stateTable = map[string]download.State{
	"DOWNLOADING": download.StateDownloading,
	"ACTIVE":      download.StateDownloading,
	"QUEUED":      download.StateQueued,
	"PENDING":     download.StateQueued,
	"PREPARING":   download.StatePreparing,
	"PAUSED":      download.StatePaused,
	"STOPPED":     download.StatePaused,
	"COMPLETED":   download.StateCompleted,
	"FAILED":      download.StateFailed,
	"ERROR":       download.StateFailed,
	"CANCELLED":   download.StateCancelled,
	"REMOVING":    download.StateRemoving,
	"RESTARTING":  download.StateRestarting,
}

// MapState maps a raw engine state case-insensitively to a canonical state.
// Unrecognized values fall back to queued; callers log them.
func MapState(raw string) (download.State, bool) {
	state, ok := stateTable[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return download.StateQueued, false
	}

	return state, true
}
