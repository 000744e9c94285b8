// Package retry decides retry eligibility for failed downloads and schedules
// exponentially backed-off retry callbacks. Its bookkeeping is deliberately
// independent of the state store, so a job can be retried across store
// removal/re-add cycles and backoff timing is unit-testable without an item.
package retry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Defaults match the queue's retry behavior out of the box.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = time.Minute
)

// nonRetryableFragments classify an error message as permanent. Insufficient
// storage, missing remote content and content-validation failures never
// succeed on retry; everything else (network errors, timeouts) may.
var nonRetryableFragments = []string{
	"no space left",
	"insufficient storage",
	"404",
	"not found",
	"no playable tracks",
	"asset validation failed",
}

type record struct {
	count int
	timer *time.Timer
	bo    *backoff.ExponentialBackOff
}

// Policy tracks retry counts per job-id and schedules backoff timers.
type Policy struct {
	mu        sync.Mutex
	records   map[string]*record
	destroyed bool

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewPolicy creates a retry policy. Non-positive arguments fall back to the
// package defaults.
func NewPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	return &Policy{
		records:    make(map[string]*record),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry reports whether id may be retried after err: the retry budget
// must not be exhausted and the error must not classify as permanent.
func (p *Policy) ShouldRetry(id string, err error) bool {
	if err != nil && IsNonRetryable(err) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return false
	}

	if rec, ok := p.records[id]; ok && rec.count >= p.maxRetries {
		return false
	}

	return true
}

// ScheduleRetry increments the retry counter for id and schedules callback to
// fire once after min(baseDelay * 2^(count-1), maxDelay). It is a no-op after
// Destroy.
func (p *Policy) ScheduleRetry(id string, callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}

	rec, ok := p.records[id]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.baseDelay
		bo.MaxInterval = p.maxDelay
		bo.Multiplier = 2
		// Zero jitter: callers and tests rely on the exact delay sequence.
		bo.RandomizationFactor = 0
		bo.Reset()

		rec = &record{bo: bo}
		p.records[id] = rec
	}

	if rec.timer != nil {
		rec.timer.Stop()
	}

	rec.count++
	delay := rec.bo.NextBackOff()

	slog.Debug("retry scheduled", "download_id", id, "attempt", rec.count, "delay", delay)

	rec.timer = time.AfterFunc(delay, callback)
}

// RetryCount returns how many retries have been scheduled for id.
func (p *Policy) RetryCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[id]; ok {
		return rec.count
	}

	return 0
}

// ClearRetries cancels any pending timer for id and resets its counter.
func (p *Policy) ClearRetries(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[id]; ok {
		if rec.timer != nil {
			rec.timer.Stop()
		}

		delete(p.records, id)
	}
}

// Destroy cancels all pending timers. Subsequent ScheduleRetry calls become
// no-ops.
func (p *Policy) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}

	p.records = make(map[string]*record)
	p.destroyed = true
}

// IsNonRetryable classifies an error as permanent by message content.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	for _, fragment := range nonRetryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}
