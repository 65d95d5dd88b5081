package messages

import (
	"time"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
)

// Kind is the wire discriminator ("tipo") of a server message.
type Kind string

const (
	KindConnectionEstablished Kind = "conexion_establecida"
	KindSensorList            Kind = "lista_sensores"
	KindSensorReading         Kind = "lectura_sensor"
	KindSensorError           Kind = "error_sensor"
	KindServerStats           Kind = "estadisticas_servidor"
	KindPong                  Kind = "pong"
	KindServerError           Kind = "error_servidor"
)

// Event is one decoded server message.
type Event interface {
	Kind() Kind
	At() time.Time
}

type ConnectionEstablished struct {
	Message    string              `json:"mensaje"`
	ClientID   string              `json:"clienteId"`
	Timestamp  time.Time           `json:"timestamp"`
	ServerInfo entities.ServerInfo `json:"infoServidor"`
}

type SensorList struct {
	Sensors   []entities.Sensor `json:"sensores"`
	Timestamp time.Time         `json:"timestamp"`
}

type SensorReading struct {
	Reading   entities.Reading `json:"datos"`
	Timestamp time.Time        `json:"timestamp"`
}

type SensorError struct {
	Error     entities.SensorError `json:"datos"`
	Timestamp time.Time            `json:"timestamp"`
}

type ServerStats struct {
	Stats     entities.ServerStats `json:"estadisticas"`
	Timestamp time.Time            `json:"timestamp"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

type ServerError struct {
	Code      string            `json:"codigoError"`
	Message   string            `json:"mensaje"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  entities.Severity `json:"severidad"`
}

func (ConnectionEstablished) Kind() Kind { return KindConnectionEstablished }
func (SensorList) Kind() Kind            { return KindSensorList }
func (SensorReading) Kind() Kind         { return KindSensorReading }
func (SensorError) Kind() Kind           { return KindSensorError }
func (ServerStats) Kind() Kind           { return KindServerStats }
func (Pong) Kind() Kind                  { return KindPong }
func (ServerError) Kind() Kind           { return KindServerError }

func (e ConnectionEstablished) At() time.Time { return e.Timestamp }
func (e SensorList) At() time.Time            { return e.Timestamp }
func (e SensorReading) At() time.Time         { return e.Timestamp }
func (e SensorError) At() time.Time           { return e.Timestamp }
func (e ServerStats) At() time.Time           { return e.Timestamp }
func (e Pong) At() time.Time                  { return e.Timestamp }
func (e ServerError) At() time.Time           { return e.Timestamp }
