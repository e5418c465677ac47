package stream

// State describes where a sender loop is in its session lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateArmed        State = "armed"
	StatePolling      State = "polling"
	StateGated        State = "gated"
	StateSending      State = "sending"
	StateSessionEnded State = "session_ended"
	StateStopped      State = "stopped"
)

// Active reports whether the loop is armed and ticking.
func (s State) Active() bool {
	switch s {
	case StateArmed, StatePolling, StateGated, StateSending:
		return true
	default:
		return false
	}
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s == StateSessionEnded || s == StateStopped
}
