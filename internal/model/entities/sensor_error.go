package entities

import "time"

// Severity grades a sensor error.
type Severity string

const (
	SeverityLow      Severity = "baja"
	SeverityMedium   Severity = "media"
	SeverityHigh     Severity = "alta"
	SeverityCritical Severity = "critica"
)

type ErrorMetadata struct {
	ErrorID             string `json:"errorId,omitempty"`
	AutoRetry           bool   `json:"reintentoAutomatico"`
	EstimatedResolution string `json:"resolucionEstimada,omitempty"`
}

// SensorError is a fault reported by the server for one sensor.
type SensorError struct {
	Code        string        `json:"codigoError"`
	SensorID    string        `json:"sensorId"`
	SensorName  string        `json:"nombreSensor,omitempty"`
	Message     string        `json:"mensaje"`
	Severity    Severity      `json:"severidad"`
	Timestamp   time.Time     `json:"timestamp"`
	Location    Location      `json:"ubicacion"`
	Remediation []string      `json:"solucionProblemas,omitempty"`
	Metadata    ErrorMetadata `json:"metadata"`
}
