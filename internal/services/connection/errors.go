package connection

import (
	"errors"
	"fmt"
)

// ErrBufferOverflow is logged when a full outbound buffer evicts its oldest
// command. It is never returned to callers.
var ErrBufferOverflow = errors.New("connection: outbound buffer full, oldest command evicted")

// TransportConstructionError means the session could not be created at all.
type TransportConstructionError struct {
	URL string
	Err error
}

func (e *TransportConstructionError) Error() string {
	return fmt.Sprintf("connection: open session to %s: %v", e.URL, e.Err)
}

func (e *TransportConstructionError) Unwrap() error { return e.Err }

// TransportCloseError is a session close with any code other than normal
// closure.
type TransportCloseError struct {
	Code   int
	Reason string
}

func (e *TransportCloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection: session closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection: session closed with code %d: %s", e.Code, e.Reason)
}
