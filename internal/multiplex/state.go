package multiplex

import "fmt"

type StreamState int

const (
	// both directions open
	StateEstablished StreamState = iota
	// peer's FIN received; we may still send
	StateRemoteClosed
	// peer's FIN received and our FIN is queued but not yet on the wire
	StateRemoteClosedLocalClosing
	// our FIN is on the wire; the peer may still send
	StateLocalClosed
	// owner closed the stream; FIN is queued but not yet on the wire and inbound data is discarded
	StateLocalClosing
	// owner closed the write half only; FIN is queued but not yet on the wire and reading continues
	StateLocalClosingHalf
	// terminal
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateEstablished:
		return "Established"
	case StateRemoteClosed:
		return "RemoteClosed"
	case StateRemoteClosedLocalClosing:
		return "RemoteClosedLocalClosing"
	case StateLocalClosed:
		return "LocalClosed"
	case StateLocalClosing:
		return "LocalClosing"
	case StateLocalClosingHalf:
		return "LocalClosingHalf"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

type streamEvent int

const (
	evLocalClose streamEvent = iota
	evLocalCloseWrite
	evFinFlushed
	evFinRecv
	evRst
)

func (e streamEvent) String() string {
	return [...]string{"local close", "local close write", "FIN flushed", "FIN received", "RST"}[e]
}

// transition is the only place stream states change. An error means the event is illegal in the current state;
// the state is left untouched in that case.
func transition(s StreamState, ev streamEvent) (StreamState, error) {
	if ev == evRst {
		return StateClosed, nil
	}
	switch s {
	case StateEstablished:
		switch ev {
		case evLocalClose:
			return StateLocalClosing, nil
		case evLocalCloseWrite:
			return StateLocalClosingHalf, nil
		case evFinRecv:
			return StateRemoteClosed, nil
		}
	case StateRemoteClosed:
		switch ev {
		case evLocalClose, evLocalCloseWrite:
			return StateRemoteClosedLocalClosing, nil
		}
	case StateLocalClosing, StateLocalClosingHalf:
		switch ev {
		case evFinFlushed:
			return StateLocalClosed, nil
		case evFinRecv:
			return StateRemoteClosedLocalClosing, nil
		case evLocalClose:
			// upgrading a half close to a full close doesn't send anything new
			return StateLocalClosing, nil
		}
	case StateRemoteClosedLocalClosing:
		if ev == evFinFlushed {
			return StateClosed, nil
		}
	case StateLocalClosed:
		if ev == evFinRecv {
			return StateClosed, nil
		}
	case StateClosed:
		return StateClosed, nil
	}
	return s, fmt.Errorf("%w: %v in state %v", errInvalidTransition, ev, s)
}

// localOpen reports whether the owner may still write
func (s StreamState) localOpen() bool {
	return s == StateEstablished || s == StateRemoteClosed
}

// remoteOpen reports whether the peer may still send data
func (s StreamState) remoteOpen() bool {
	switch s {
	case StateEstablished, StateLocalClosing, StateLocalClosingHalf, StateLocalClosed:
		return true
	}
	return false
}
