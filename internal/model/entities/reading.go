package entities

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value is a reading value: numeric for most sensors, boolean for some
// motion detectors.
type Value struct {
	Number float64
	Bool   bool
	IsBool bool
}

func NumberValue(f float64) Value { return Value{Number: f} }

func BoolValue(b bool) Value { return Value{Bool: b, IsBool: true} }

// Float returns the numeric value, mapping booleans to 1/0.
func (v Value) Float() float64 {
	if v.IsBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Number
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsBool {
		return json.Marshal(v.Bool)
	}
	return json.Marshal(v.Number)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		*v = NumberValue(x)
	case bool:
		*v = BoolValue(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return fmt.Errorf("value %q is not numeric", x)
		}
		*v = NumberValue(f)
	case nil:
		*v = Value{}
	default:
		return fmt.Errorf("unsupported value %s", string(b))
	}
	return nil
}

// DeviceMetadata is the device telemetry attached to a reading.
type DeviceMetadata struct {
	BatteryLevel    int       `json:"nivelBateria"`
	SignalStrength  int       `json:"intensidadSenal"`
	LastCalibration time.Time `json:"ultimaCalibracion"`
}

// Reading is one sample reported by a sensor.
type Reading struct {
	ID         string         `json:"id"`
	SensorID   string         `json:"sensorId"`
	SensorName string         `json:"nombreSensor"`
	Type       SensorType     `json:"tipo"`
	Value      Value          `json:"valor"`
	Unit       string         `json:"unidad"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     SensorStatus   `json:"estado"`
	Location   Location       `json:"ubicacion"`
	Metadata   DeviceMetadata `json:"metadata"`
}
