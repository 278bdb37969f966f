package handshake

// State is a step of a handshake attempt.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingChallenge
	StateRespondingToChallenge
	StateAwaitingConfirmation
	StateAuthenticated
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                  "Idle",
	StateConnecting:            "Connecting",
	StateAwaitingChallenge:     "AwaitingChallenge",
	StateRespondingToChallenge: "RespondingToChallenge",
	StateAwaitingConfirmation:  "AwaitingConfirmation",
	StateAuthenticated:         "Authenticated",
	StateFailed:                "Failed",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateFailed
}

// TransitionFunc observes state changes of an attempt. It runs on the
// attempt's goroutine and must not block.
type TransitionFunc func(from, to State)
