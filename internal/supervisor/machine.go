package supervisor

// State is a position in the supervision cycle.
type State int

const (
	Idle State = iota
	Connecting
	Subscribing
	Streaming
	Backoff
)

// String returns the lowercase state name for logging and status output.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event is an outcome reported back to the state machine.
type Event int

const (
	EventStart          Event = iota // supervisor started
	EventConnected                   // session connected
	EventSubscribed                  // subscription acknowledged
	EventStored                      // one message persisted
	EventFailed                      // any step failed
	EventBackoffElapsed              // retry delay passed
)

// Action is the work the driver performs on entering a state.
type Action int

const (
	ActionNone      Action = iota
	ActionConnect          // build a fresh session and connect it
	ActionSubscribe        // subscribe the live session
	ActionReceive          // receive and persist the next message
	ActionSleep            // tear down the session and wait out the backoff
)

// Transition maps the current state and an event to the next state and
// the action to perform there. It is pure. Any failure, and any pair the
// table does not name, leads to Backoff so the cycle can never stall.
func Transition(s State, e Event) (State, Action) {
	if e == EventFailed {
		return Backoff, ActionSleep
	}
	switch {
	case s == Idle && e == EventStart:
		return Connecting, ActionConnect
	case s == Connecting && e == EventConnected:
		return Subscribing, ActionSubscribe
	case s == Subscribing && e == EventSubscribed:
		return Streaming, ActionReceive
	case s == Streaming && e == EventStored:
		return Streaming, ActionReceive
	case s == Backoff && e == EventBackoffElapsed:
		return Connecting, ActionConnect
	default:
		return Backoff, ActionSleep
	}
}
