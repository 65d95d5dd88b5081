package dashboard

import (
	"time"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/aggregator"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
)

// ConnectionStatus is the connection manager as the UI sees it.
type ConnectionStatus struct {
	State             messages.ConnectionState `json:"state"`
	Connected         bool                     `json:"connected"`
	AttemptID         uint64                   `json:"attemptId"`
	ReconnectAttempts int                      `json:"reconnectAttempts"`
	ReconnectPending  bool                     `json:"reconnectPending"`
	ReconnectDelayMs  int64                    `json:"reconnectDelayMs,omitempty"`
	PendingCommands   []messages.CommandKind   `json:"pendingCommands"`
	LastError         string                   `json:"lastError,omitempty"`
	Metrics           connection.Metrics       `json:"metrics"`
}

type DashboardData struct {
	Snapshot     aggregator.Snapshot     `json:"snapshot"`
	Overview     aggregator.Overview     `json:"overview"`
	ZoneOverview aggregator.ZoneOverview `json:"zoneOverview"`
	Statistics   aggregator.Statistics   `json:"statistics"`
	BestZone     *aggregator.ZoneSummary `json:"bestZone,omitempty"`
	WorstZone    *aggregator.ZoneSummary `json:"worstZone,omitempty"`
	Connection   ConnectionStatus        `json:"connection"`
}

type SensorDetail struct {
	Sensor        entities.Sensor   `json:"sensor"`
	LatestReading *entities.Reading `json:"latestReading,omitempty"`
}

type ZonesResponse struct {
	Zones    []aggregator.ZoneSummary `json:"zones"`
	Overview aggregator.ZoneOverview  `json:"overview"`
}

type CommandResponse struct {
	Command string `json:"command"`
	Result  string `json:"result"`
}

type SweepResponse struct {
	At              time.Time `json:"at"`
	ReadingsRemoved int       `json:"readingsRemoved"`
	ErrorsRemoved   int       `json:"errorsRemoved"`
}

type errorResponse struct {
	Error string `json:"error"`
}
