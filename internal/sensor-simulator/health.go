package sensor_simulator

import (
	"encoding/json"
	"net/http"
)

func (s *SensorSimulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.clk.Now()
	writeJSON(w, map[string]any{
		"estado":    "saludable",
		"timestamp": now.UTC(),
		"uptime":    now.Sub(s.started).Seconds(),
		"clientes":  s.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
