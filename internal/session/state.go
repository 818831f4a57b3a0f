package session

import "time"

// State is a session lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StatePlanning     State = "planning"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateStreaming    State = "streaming"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:      {StatePlanning},
	StatePlanning:     {StateRetrieving},
	StateRetrieving:   {StateSynthesizing},
	StateSynthesizing: {StateStreaming},
	StateStreaming:    {StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is the lifecycle notification sent for every state change.
type Transition struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}
