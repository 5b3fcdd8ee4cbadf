package service

import (
	"fmt"
	"net"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
)

type SessionID uint32
type ProtocolID uint32

// Priority is attached to outgoing protocol messages. High priority streams get their frames out before Normal
// ones when several streams have data waiting.
type Priority = mux.Priority

const (
	High   = mux.PriorityHigh
	Normal = mux.PriorityNormal
)

// SessionContext describes a session owned by the Registry. It is immutable once the session is announced.
type SessionContext struct {
	ID         SessionID
	RemoteAddr net.Addr
	// whether we dialed the remote
	Client bool
	Valve  *mux.Valve
}

func (ctx *SessionContext) String() string {
	return fmt.Sprintf("session %v (%v)", ctx.ID, ctx.RemoteAddr)
}

type ServiceEventKind int

const (
	SessionOpen ServiceEventKind = iota
	SessionClose
	ListenStarted
	ListenClose
)

func (k ServiceEventKind) String() string {
	switch k {
	case SessionOpen:
		return "SessionOpen"
	case SessionClose:
		return "SessionClose"
	case ListenStarted:
		return "ListenStarted"
	case ListenClose:
		return "ListenClose"
	}
	return fmt.Sprintf("ServiceEventKind(%d)", int(k))
}

type ServiceEvent struct {
	Kind ServiceEventKind
	// set on SessionOpen and SessionClose
	Session *SessionContext
	// set on ListenStarted and ListenClose
	Address net.Addr
}

type ProtocolEventKind int

const (
	Connected ProtocolEventKind = iota
	Received
	Disconnected
	// Notify is fired by a timer set with SetProtocolNotify
	Notify
)

func (k ProtocolEventKind) String() string {
	switch k {
	case Connected:
		return "Connected"
	case Received:
		return "Received"
	case Disconnected:
		return "Disconnected"
	case Notify:
		return "Notify"
	}
	return fmt.Sprintf("ProtocolEventKind(%d)", int(k))
}

type ProtocolEvent struct {
	Kind ProtocolEventKind
	// nil for Notify
	Session *SessionContext
	Proto   ProtocolID
	// set on Connected
	Version string
	// set on Received
	Data []byte
	// set on Notify
	Token uint64
}

type ServiceErrorKind int

const (
	DialerError ServiceErrorKind = iota
	ListenError
	// the remote opened a protocol we don't speak
	ProtocolSelectError
	// a protocol stream carried something that isn't a valid message
	ProtocolError
	// the session died of a connection-fatal error
	MuxerError
	// the Handler panicked while handling a protocol event
	ProtocolHandleError
)

func (k ServiceErrorKind) String() string {
	switch k {
	case DialerError:
		return "DialerError"
	case ListenError:
		return "ListenError"
	case ProtocolSelectError:
		return "ProtocolSelectError"
	case ProtocolError:
		return "ProtocolError"
	case MuxerError:
		return "MuxerError"
	case ProtocolHandleError:
		return "ProtocolHandleError"
	}
	return fmt.Sprintf("ServiceErrorKind(%d)", int(k))
}

type ServiceError struct {
	Kind    ServiceErrorKind
	Address string
	Session *SessionContext
	Proto   ProtocolID
	Err     error
}

func (e ServiceError) Error() string {
	switch {
	case e.Session != nil:
		return fmt.Sprintf("%v on %v: %v", e.Kind, e.Session, e.Err)
	case e.Address != "":
		return fmt.Sprintf("%v on %v: %v", e.Kind, e.Address, e.Err)
	default:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
}

func (e ServiceError) Unwrap() error { return e.Err }

// Handler receives everything the Registry has to report. Its methods may be called from many goroutines at once,
// but events of one protocol stream are always delivered in order from a single goroutine.
type Handler interface {
	HandleEvent(ServiceEvent)
	HandleError(ServiceError)
	HandleProtocol(ProtocolEvent)
}

// BaseHandler ignores everything. Embed it to implement only part of Handler.
type BaseHandler struct{}

func (BaseHandler) HandleEvent(ServiceEvent)     {}
func (BaseHandler) HandleError(ServiceError)     {}
func (BaseHandler) HandleProtocol(ProtocolEvent) {}

// TargetSession selects which sessions a message goes to
type TargetSession struct {
	all bool
	ids map[SessionID]struct{}
}

func TargetAll() TargetSession { return TargetSession{all: true} }

func TargetSingle(id SessionID) TargetSession { return TargetMulti(id) }

func TargetMulti(ids ...SessionID) TargetSession {
	t := TargetSession{ids: make(map[SessionID]struct{}, len(ids))}
	for _, id := range ids {
		t.ids[id] = struct{}{}
	}
	return t
}

func (t TargetSession) Contains(id SessionID) bool {
	if t.all {
		return true
	}
	_, ok := t.ids[id]
	return ok
}
