package relay

// State is the lifecycle position of a Session.
type State int32

const (
	Handshaking State = iota
	Relaying
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Relaying:
		return "relaying"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event drives the state machine.
type Event int

const (
	EventConnected Event = iota
	EventAuthRejected
	EventDialFailed
	EventProtocolError
	EventClientEOF
	EventDestinationEOF
	EventDestinationError
	EventShutdown
	EventTornDown
)

// Reason records why a session left Handshaking or Relaying.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonAuthRejected           Reason = "auth_rejected"
	ReasonProtocolError          Reason = "protocol_error"
	ReasonDestinationUnreachable Reason = "destination_unreachable"
	ReasonClientClosed           Reason = "client_closed"
	ReasonDestinationClosed      Reason = "destination_closed"
	ReasonShutdown               Reason = "shutdown"
)

func (e Event) reason() Reason {
	switch e {
	case EventAuthRejected:
		return ReasonAuthRejected
	case EventDialFailed, EventDestinationError:
		return ReasonDestinationUnreachable
	case EventProtocolError:
		return ReasonProtocolError
	case EventClientEOF:
		return ReasonClientClosed
	case EventDestinationEOF:
		return ReasonDestinationClosed
	case EventShutdown:
		return ReasonShutdown
	}
	return ReasonNone
}

// transition returns the state reached from s on e, and false when e is not
// accepted in s. Terminal events after the first one are dropped this way, so
// the first cause of closure is the one that sticks.
func transition(s State, e Event) (State, bool) {
	switch s {
	case Handshaking:
		switch e {
		case EventConnected:
			return Relaying, true
		case EventAuthRejected, EventDialFailed, EventProtocolError,
			EventClientEOF, EventDestinationError, EventShutdown:
			return Closing, true
		}
	case Relaying:
		switch e {
		case EventClientEOF, EventDestinationEOF, EventDestinationError,
			EventProtocolError, EventShutdown:
			return Closing, true
		}
	case Closing:
		if e == EventTornDown {
			return Closed, true
		}
	}
	return s, false
}
