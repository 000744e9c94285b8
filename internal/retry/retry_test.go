package retry_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/retry"
)

func TestIsNonRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("connection timeout"), false},
		{"connection reset", errors.New("read: connection reset by peer"), false},
		{"missing remote", errors.New("remote returned 404 not found"), true},
		{"disk full", errors.New("write /tmp/x: no space left on device"), true},
		{"insufficient storage", errors.New("HTTP 507 Insufficient Storage"), true},
		{"empty manifest", errors.New("no playable tracks in manifest"), true},
		{"bad asset", errors.New("asset validation failed: bad segment uri"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, retry.IsNonRetryable(tt.err))
		})
	}
}

func TestShouldRetryBudget(t *testing.T) {
	p := retry.NewPolicy(2, time.Millisecond, 10*time.Millisecond)
	defer p.Destroy()

	transient := errors.New("connection refused")

	assert.True(t, p.ShouldRetry("d1", transient))

	p.ScheduleRetry("d1", func() {})
	assert.True(t, p.ShouldRetry("d1", transient))

	p.ScheduleRetry("d1", func() {})
	assert.False(t, p.ShouldRetry("d1", transient))

	// Budget is per job-id.
	assert.True(t, p.ShouldRetry("d2", transient))
}

func TestShouldRetryPermanentError(t *testing.T) {
	p := retry.NewPolicy(5, time.Millisecond, 10*time.Millisecond)
	defer p.Destroy()

	assert.False(t, p.ShouldRetry("d1", errors.New("remote returned 404 not found")))
	assert.Zero(t, p.RetryCount("d1"))
}

func TestScheduleRetryFiresCallback(t *testing.T) {
	p := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond)
	defer p.Destroy()

	fired := make(chan struct{})

	p.ScheduleRetry("d1", func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("retry callback never fired")
	}

	assert.Equal(t, 1, p.RetryCount("d1"))
}

func TestClearRetriesCancelsTimer(t *testing.T) {
	p := retry.NewPolicy(3, 20*time.Millisecond, 100*time.Millisecond)
	defer p.Destroy()

	var fired atomic.Bool

	p.ScheduleRetry("d1", func() { fired.Store(true) })
	require.Equal(t, 1, p.RetryCount("d1"))

	p.ClearRetries("d1")
	assert.Zero(t, p.RetryCount("d1"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestDestroyStopsScheduling(t *testing.T) {
	p := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond)

	var fired atomic.Bool

	p.ScheduleRetry("d1", func() { fired.Store(true) })
	p.Destroy()

	p.ScheduleRetry("d2", func() { fired.Store(true) })

	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, p.ShouldRetry("d1", errors.New("timeout")))
}

func TestBackoffDelaysGrow(t *testing.T) {
	p := retry.NewPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	defer p.Destroy()

	start := time.Now()
	second := make(chan time.Duration, 1)

	p.ScheduleRetry("d1", func() {
		// Second attempt waits twice the base delay.
		p.ScheduleRetry("d1", func() {
			second <- time.Since(start)
		})
	})

	select {
	case elapsed := <-second:
		// 10ms then 20ms of backoff must both have elapsed.
		assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("second retry never fired")
	}
}
