package api

// validSessionTransitions lists the allowed outgoing transitions per state.
// Closed is terminal.
var validSessionTransitions = map[SessionState][]SessionState{
	SessionConnecting: {SessionReady, SessionClosed},
	SessionReady:      {SessionDegraded, SessionClosed},
	SessionDegraded:   {SessionReady, SessionClosed},
	SessionClosed:     {},
}

// ValidSessionTransition reports whether a session may move from one state to another.
func ValidSessionTransition(from, to SessionState) bool {
	for _, s := range validSessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
