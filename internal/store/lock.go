package store

import "time"

// LockOperation tags why a job-id is locked.
type LockOperation string

const (
	LockRemoving LockOperation = "removing"
	LockUpdating LockOperation = "updating"
)

// DefaultLockTTL is the advisory-lock auto-release timeout. It is a safety
// net against a crashed holder, not a wait/notify primitive.
const DefaultLockTTL = 30 * time.Second

// SetLockTTL overrides the advisory-lock timeout. Call before concurrent use.
func (s *Store) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

type lockEntry struct {
	op         LockOperation
	acquiredAt time.Time
}

func (l lockEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.acquiredAt) >= ttl
}

// AcquireLock takes the advisory lock for id. It never blocks: when another
// unexpired lock exists the call returns false and the caller must retry
// later or abandon the operation.
func (s *Store) AcquireLock(id string, op LockOperation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.locks[id]; ok && !entry.expired(s.now(), s.lockTTL) {
		return false
	}

	s.locks[id] = lockEntry{op: op, acquiredAt: s.now()}

	return true
}

// ReleaseLock drops the lock for id. Releasing an absent lock is a no-op.
func (s *Store) ReleaseLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, id)
}

// IsLocked reports whether an unexpired lock exists for id.
func (s *Store) IsLocked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lockedLocked(id) != nil
}

// IsBeingRemoved reports whether id is locked specifically for removal. The
// event bridge uses this to drop events for jobs mid-removal.
func (s *Store) IsBeingRemoved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lockedLocked(id)

	return entry != nil && entry.op == LockRemoving
}

// lockedLocked returns the live unexpired lock for id, reaping it when
// expired. Callers must hold s.mu.
func (s *Store) lockedLocked(id string) *lockEntry {
	entry, ok := s.locks[id]
	if !ok {
		return nil
	}

	if entry.expired(s.now(), s.lockTTL) {
		delete(s.locks, id)

		return nil
	}

	return &entry
}
