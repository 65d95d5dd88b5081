package messages

import "time"

// ConnectionState is the connection manager's lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFaulted      ConnectionState = "error"
)

// Notification is what travels on the event bus: either a decoded server
// event or a connection state transition.
type Notification interface {
	attempt() uint64
}

// Inbound is a server event tagged with the connection attempt it was
// decoded under.
type Inbound struct {
	AttemptID uint64
	Received  time.Time
	Event     Event
}

// StateChangeEvent is published on every connection state transition.
type StateChangeEvent struct {
	AttemptID         uint64
	Previous          ConnectionState
	State             ConnectionState
	ReconnectAttempts int
	Timestamp         time.Time
}

func (i Inbound) attempt() uint64          { return i.AttemptID }
func (s StateChangeEvent) attempt() uint64 { return s.AttemptID }

// AttemptOf returns the attempt id a notification belongs to.
func AttemptOf(n Notification) uint64 { return n.attempt() }
