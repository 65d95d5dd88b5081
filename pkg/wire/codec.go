// Package wire encodes and decodes the JSON envelope spoken between the
// dashboard and the telemetry server. Every frame is one JSON object whose
// "tipo" field selects the message shape. The codec holds no state.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
)

// ErrUnknownType marks a well-formed frame whose tipo this build does not
// know. Callers drop such frames and keep the session open.
var ErrUnknownType = errors.New("wire: unknown message type")

// DecodeError is returned for frames that are not a valid envelope.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("wire: malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("wire: malformed %s frame: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type header struct {
	Tipo string `json:"tipo"`
}

func peekKind(data []byte) (string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", &DecodeError{Err: err}
	}
	if h.Tipo == "" {
		return "", &DecodeError{Err: errors.New("missing tipo")}
	}
	return h.Tipo, nil
}

// Decode parses a server frame.
func Decode(data []byte) (messages.Event, error) {
	kind, err := peekKind(data)
	if err != nil {
		return nil, err
	}
	var evt messages.Event
	switch messages.Kind(kind) {
	case messages.KindConnectionEstablished:
		evt, err = decodeAs[messages.ConnectionEstablished](data)
	case messages.KindSensorList:
		evt, err = decodeAs[messages.SensorList](data)
	case messages.KindSensorReading:
		evt, err = decodeAs[messages.SensorReading](data)
	case messages.KindSensorError:
		evt, err = decodeAs[messages.SensorError](data)
	case messages.KindServerStats:
		evt, err = decodeAs[messages.ServerStats](data)
	case messages.KindPong:
		evt, err = decodeAs[messages.Pong](data)
	case messages.KindServerError:
		evt, err = decodeAs[messages.ServerError](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if err != nil {
		return nil, &DecodeError{Kind: kind, Err: err}
	}
	return evt, nil
}

func decodeAs[T messages.Event](data []byte) (messages.Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode renders a client command.
func Encode(cmd messages.Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("wire: nil command")
	}
	return withKind(string(cmd.Kind()), cmd)
}

// EncodeEvent renders a server message. Used by the simulator.
func EncodeEvent(evt messages.Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("wire: nil event")
	}
	return withKind(string(evt.Kind()), evt)
}

// DecodeCommand parses a client frame. Used by the simulator.
func DecodeCommand(data []byte) (messages.Command, error) {
	kind, err := peekKind(data)
	if err != nil {
		return nil, err
	}
	switch messages.CommandKind(kind) {
	case messages.CommandPing:
		return messages.Ping{}, nil
	case messages.CommandListSensors:
		return messages.ListSensors{}, nil
	case messages.CommandServerStats:
		return messages.RequestServerStats{}, nil
	case messages.CommandSubscribeSensor:
		var s messages.SubscribeSensor
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &DecodeError{Kind: kind, Err: err}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}

func withKind(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	tipo, _ := json.Marshal(kind)
	fields["tipo"] = tipo
	return json.Marshal(fields)
}
