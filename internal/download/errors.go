package download

import "fmt"

// DuplicateIDError is returned when adding an item whose id is already
// present in the store.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("download %s already exists", e.ID)
}

// NotFoundError is returned by operations that require an existing item.
// Idempotent operations (remove) treat a missing id as a no-op instead.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("download %s not found", e.ID)
}

// IllegalTransitionError is returned when a direct API call requests a state
// change the transition table does not allow. Event-sourced transitions are
// logged and dropped instead, since the external event cannot be rejected.
type IllegalTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for download %s: %s -> %s", e.ID, e.From, e.To)
}

// PersistenceError wraps a failure of the persistence collaborator. The
// in-memory mutation it accompanied is not rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
