package protocol

import "time"

// ErrorKind classifies why a session failed. Transport failures are
// returned as values alongside the session log, never raised.
type ErrorKind string

const (
	ErrNone           ErrorKind = ""
	ErrConnectTimeout ErrorKind = "connect-timeout"
	ErrConnectError   ErrorKind = "connect-error"
	ErrReadTimeout    ErrorKind = "read-timeout"
	ErrIdleTimeout    ErrorKind = "idle-timeout"
	ErrSocketError    ErrorKind = "socket-error"
	ErrInvalidFrame   ErrorKind = "invalid-frame"
	ErrCancelled      ErrorKind = "cancelled"
)

// Event kinds recorded in the session log.
const (
	EventConnect      = "TCP CONNECT"
	EventSendJSON     = "send-json"
	EventRecvBytes    = "recv-bytes"
	EventRecvJSON     = "recv-json"
	EventAck          = "ack"
	EventProgress     = "progress"
	EventFinal        = "final"
	EventUnhandled    = "Unhandled"
	EventLateFrame    = "late-frame"
	EventInvalidFrame = "invalid-frame"
	EventError        = "error"
)

// Event is one timestamped entry of the session log. The log is the
// principal debugging artifact and travels back to the POS caller.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// sessionLog accumulates events in arrival order. invalid remembers
// that at least one undecodable frame arrived, so a connection that
// dies before a final is reported as invalid-frame rather than
// socket-error.
type sessionLog struct {
	events  []Event
	invalid bool
}

func (l *sessionLog) add(kind, detail string) {
	l.events = append(l.events, Event{At: time.Now().UTC(), Kind: kind, Detail: detail})
}
