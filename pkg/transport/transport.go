// Package transport abstracts the persistent client connection used by the
// connection manager. A session reports exactly one terminal callback:
// OnClose for a close handshake or a dropped connection (code 1006), or
// OnError for any other failure, including a failed handshake.
package transport

import "errors"

const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

var (
	ErrNotOpen = errors.New("transport: session not open")
	ErrClosed  = errors.New("transport: session closed")
)

// Handler receives session lifecycle callbacks. Callbacks for one session
// are never concurrent with each other.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Session is one open (or opening) connection.
type Session interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Dialer starts sessions. Dial returns immediately; the handshake runs in
// the background and ends in OnOpen, OnError or OnClose. A returned error
// means the session could not even be constructed.
type Dialer interface {
	Dial(url string, h Handler) (Session, error)
}
