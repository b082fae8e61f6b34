package chat

// State is the coarse phase of one conversational turn
type State string

const (
	StateIdle                State = "idle"
	StateSending             State = "sending"
	StateStreaming           State = "streaming"
	StateToolRunning         State = "tool_running"
	StateWritebackQueued     State = "writeback_queued"
	StateWritebackCommitting State = "writeback_committing"
	StateDone                State = "done"
	StateError               State = "error"
)

// Terminal reports whether the state ends the turn. The next user send
// resets a terminal state to sending.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var validNext = map[State][]State{
	StateIdle:                {StateSending},
	StateSending:             {StateStreaming, StateToolRunning, StateDone},
	StateStreaming:           {StateToolRunning, StateDone},
	StateToolRunning:         {StateStreaming, StateWritebackQueued, StateDone},
	StateWritebackQueued:     {StateWritebackCommitting, StateDone},
	StateWritebackCommitting: {StateDone},
	StateDone:                {StateSending},
	StateError:               {StateSending},
}

// ValidTransition reports whether from -> to is an allowed lifecycle
// transition. Any non-terminal state may move to error.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	if to == StateError {
		return !from.Terminal()
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
