package entities

import "time"

// ServerInfo is announced once per session in the welcome message.
type ServerInfo struct {
	Version          string `json:"version"`
	TotalSensors     int    `json:"totalSensores"`
	UpdateIntervalMs int64  `json:"intervaloActualizacion"`
}

// ServerStats is the server's self-reported counters.
type ServerStats struct {
	StartTimeMs      int64            `json:"horaInicio"`
	TotalConnections int64            `json:"conexionesTotales"`
	TotalMessages    int64            `json:"mensajesTotales"`
	TotalErrors      int64            `json:"erroresTotal"`
	ActiveSensors    int              `json:"sensoresActivos"`
	UptimeSeconds    int64            `json:"uptime"`
	ActiveClients    int              `json:"clientesActivos"`
	MemoryUsage      map[string]int64 `json:"usoMemoria,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}
