package entities

import (
	"encoding/json"
	"strings"
)

// SensorType is the kind of quantity a sensor measures.
type SensorType string

const (
	TypeTemperature SensorType = "temperatura"
	TypeHumidity    SensorType = "humedad"
	TypeLight       SensorType = "luz"
	TypeMotion      SensorType = "movimiento"
)

// SensorTypes lists every known type in display order.
var SensorTypes = []SensorType{TypeTemperature, TypeHumidity, TypeLight, TypeMotion}

// SensorStatus is the health of a single sensor.
type SensorStatus string

const (
	StatusNormal  SensorStatus = "normal"
	StatusWarning SensorStatus = "advertencia"
	StatusError   SensorStatus = "error"
	StatusOffline SensorStatus = "offline"
)

// ParseSensorStatus maps a wire status to a known one. Anything the
// server invents (the sensor list reports "activo") counts as normal.
func ParseSensorStatus(s string) SensorStatus {
	switch SensorStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusWarning:
		return StatusWarning
	case StatusError:
		return StatusError
	case StatusOffline:
		return StatusOffline
	default:
		return StatusNormal
	}
}

func (s *SensorStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseSensorStatus(raw)
	return nil
}

// Location places a sensor inside a zone/room/building.
type Location struct {
	Zone     string `json:"zona"`
	Room     string `json:"habitacion"`
	Building string `json:"edificio"`
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r *Range) Contains(v float64) bool {
	return r != nil && v >= r.Min && v <= r.Max
}

// Sensor is the dashboard's view of one device.
type Sensor struct {
	ID          string       `json:"id"`
	Name        string       `json:"nombre"`
	Type        SensorType   `json:"tipo"`
	Location    Location     `json:"ubicacion"`
	Unit        string       `json:"unidad"`
	Range       *Range       `json:"rango,omitempty"`
	NormalRange *Range       `json:"rangoNormal,omitempty"`
	Status      SensorStatus `json:"estado"`
	// Provisional is set when the entry was created from a reading before
	// any sensor list mentioned the id.
	Provisional bool `json:"provisional,omitempty"`
}
