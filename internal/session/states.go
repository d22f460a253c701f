package session

// State is the lifecycle phase of a session. Transitions are validated
// against the table below; anything else is a bug and gets logged.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateDisconnecting  State = "disconnecting"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
)

// validTransitions lists the states each state may move to. Every attempt
// ends by passing through disconnecting (teardown) and disconnected; the
// retry decision happens there.
var validTransitions = map[State][]State{
	StateIdle: {StateConnecting},
	StateConnecting: {
		StateAuthenticating, // SAML profiles, once the client is up
		StateConnected,      // password profiles
		StateDisconnecting,  // user disconnect, spawn failure, early exit
	},
	StateAuthenticating: {
		StateConnected,
		StateDisconnecting, // user disconnect, auth timeout, client death
	},
	StateConnected: {
		StateDisconnecting, // user disconnect or unexpected exit
	},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected: {
		StateReconnecting, // auto-reconnect, non-user exit, retries left
		StateFailed,       // retries exhausted
	},
	StateReconnecting: {
		StateConnecting,   // countdown expired
		StateDisconnected, // user cancelled the countdown
		StateFailed,       // profile vanished mid-countdown
	},
	StateFailed: {},
}

// Active reports whether the session still owns resources: a subprocess,
// listeners, routes, or a pending retry timer.
func (s State) Active() bool {
	switch s {
	case StateIdle, StateDisconnected, StateFailed:
		return false
	default:
		return true
	}
}

// Terminal reports whether the session is finished and will be dropped
// from the registry.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
