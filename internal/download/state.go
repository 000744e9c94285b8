package download

// State is the canonical lifecycle state of a download, as opposed to the raw
// string an external engine reports.
type State string

const (
	StateNotDownloaded State = "not_downloaded"
	StateQueued        State = "queued"
	StatePreparing     State = "preparing"
	StateDownloading   State = "downloading"
	StateCompleted     State = "completed"
	StatePaused        State = "paused"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateRestarting    State = "restarting"
	StateRemoving      State = "removing"
)

// legalTransitions is the single source of truth for which state changes are
// allowed. Anything not listed is rejected, never coerced.
var legalTransitions = map[State][]State{
	StateNotDownloaded: {StateQueued, StateCancelled},
	StateQueued:        {StatePreparing, StatePaused, StateCancelled},
	StatePreparing:     {StateDownloading, StatePaused, StateFailed, StateCancelled},
	StateDownloading:   {StateCompleted, StatePaused, StateFailed, StateCancelled},
	StatePaused:        {StateDownloading, StateQueued, StateCancelled},
	StateFailed:        {StateQueued, StateRestarting, StateRemoving},
	StateCancelled:     {StateRestarting, StateRemoving},
	StateCompleted:     {StateRemoving},
	StateRestarting:    {StatePreparing, StateCancelled},
	StateRemoving:      {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// Valid reports whether s is one of the canonical states.
func (s State) Valid() bool {
	_, ok := legalTransitions[s]

	return ok
}
