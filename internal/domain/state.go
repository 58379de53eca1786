package domain

type LifecycleState string

const (
	StateDraft         LifecycleState = "draft"
	StateBuilt         LifecycleState = "built"
	StateQueuedOffline LifecycleState = "queued_offline"
	StateSynced        LifecycleState = "synced"
	// StateFailed stays retry-eligible until the sale is discarded.
	StateFailed    LifecycleState = "failed"
	StateDiscarded LifecycleState = "discarded"
)

var transitions = map[LifecycleState][]LifecycleState{
	StateDraft:         {StateBuilt},
	StateBuilt:         {StateSynced, StateQueuedOffline, StateFailed},
	StateQueuedOffline: {StateQueuedOffline, StateSynced, StateFailed, StateDiscarded},
	StateFailed:        {StateFailed, StateQueuedOffline, StateSynced, StateDiscarded},
	StateSynced:        {StateSynced},
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from LifecycleState, to LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s LifecycleState) Terminal() bool {
	return s == StateSynced || s == StateDiscarded
}
