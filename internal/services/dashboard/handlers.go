package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/internal/services/persistence"
)

const archiveTimeout = 10 * time.Second

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func (a *App) connectionStatus() ConnectionStatus {
	st := ConnectionStatus{
		State:             a.conn.State(),
		AttemptID:         a.conn.AttemptID(),
		ReconnectAttempts: a.conn.ReconnectAttempts(),
		PendingCommands:   []messages.CommandKind{},
		Metrics:           a.conn.Metrics(),
	}
	st.Connected = st.State == messages.StateConnected
	if d, ok := a.conn.PendingReconnect(); ok {
		st.ReconnectPending = true
		st.ReconnectDelayMs = d.Milliseconds()
	}
	for _, c := range a.conn.PendingCommands() {
		st.PendingCommands = append(st.PendingCommands, c.Kind())
	}
	if err := a.conn.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	data := DashboardData{
		Snapshot:     a.agg.Snapshot(),
		Overview:     a.agg.Overview(),
		ZoneOverview: a.agg.ZoneOverview(),
		Statistics:   a.agg.Statistics(),
		Connection:   a.connectionStatus(),
	}
	if z, ok := a.agg.BestHealthZone(); ok {
		data.BestZone = &z
	}
	if z, ok := a.agg.WorstHealthZone(); ok {
		data.WorstZone = &z
	}
	writeJSON(w, http.StatusOK, data)
}

// handleSensors lists sensors, optionally narrowed by ?type= and ?status=.
func (a *App) handleSensors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := strings.TrimSpace(q.Get("type"))
	status := strings.TrimSpace(q.Get("status"))

	var out []entities.Sensor
	switch {
	case typ != "":
		out = a.agg.SensorsByType(entities.SensorType(typ))
	case status != "":
		out = a.agg.SensorsByStatus(entities.ParseSensorStatus(status))
	default:
		out = a.agg.Sensors()
	}
	if typ != "" && status != "" {
		want := entities.ParseSensorStatus(status)
		kept := out[:0]
		for _, s := range out {
			if s.Status == want {
				kept = append(kept, s)
			}
		}
		out = kept
	}
	if out == nil {
		out = []entities.Sensor{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleSensor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := a.agg.Sensor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sensor "+id)
		return
	}
	d := SensorDetail{Sensor: s}
	if rd, ok := a.agg.LatestReading(id); ok {
		d.LatestReading = &rd
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *App) handleSensorHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := a.agg.Sensor(id); !ok {
		writeError(w, http.StatusNotFound, "unknown sensor "+id)
		return
	}
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out := a.agg.SensorHistory(id, limit)
	if out == nil {
		out = []entities.Reading{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a.writeCommand(w, messages.CommandSubscribeSensor, a.agg.SubscribeSensor(id))
}

func (a *App) writeCommand(w http.ResponseWriter, kind messages.CommandKind, res connection.SendResult) {
	code := http.StatusAccepted
	if res == connection.Dropped {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, CommandResponse{Command: string(kind), Result: res.String()})
}

func (a *App) handleZones(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ZonesResponse{
		Zones:    a.agg.ZoneSummaries(),
		Overview: a.agg.ZoneOverview(),
	})
}

func (a *App) handleZone(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]
	z, ok := a.agg.Zone(zone)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown zone "+zone)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (a *App) handleRecentReadings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.agg.RecentReadings()))
}

func (a *App) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.agg.Errors()))
}

func (a *App) handleRecentErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(a.agg.RecentErrors()))
}

func (a *App) handleConnection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.connectionStatus())
}

func (a *App) handleConnect(w http.ResponseWriter, _ *http.Request) {
	a.conn.Connect()
	writeJSON(w, http.StatusAccepted, a.connectionStatus())
}

func (a *App) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	a.conn.Disconnect()
	writeJSON(w, http.StatusAccepted, a.connectionStatus())
}

func (a *App) handleResetMetrics(w http.ResponseWriter, _ *http.Request) {
	a.conn.ResetMetrics()
	writeJSON(w, http.StatusOK, a.connectionStatus())
}

func (a *App) handleResync(w http.ResponseWriter, _ *http.Request) {
	a.writeCommand(w, messages.CommandListSensors, a.agg.Resync())
}

func (a *App) handleServerStats(w http.ResponseWriter, _ *http.Request) {
	a.writeCommand(w, messages.CommandServerStats, a.agg.RequestServerStats())
}

func (a *App) handleSweep(w http.ResponseWriter, _ *http.Request) {
	now := a.cfg.Clock.Now()
	readings, errs := a.agg.SweepRetention(now)
	a.log.Info("retention sweep", "readings_removed", readings, "errors_removed", errs)
	writeJSON(w, http.StatusOK, SweepResponse{At: now, ReadingsRemoved: readings, ErrorsRemoved: errs})
}

func (a *App) handleArchiveReadings(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()
	out, err := a.archive.Readings(ctx, persistence.ParseArchiveQuery(r))
	if err != nil {
		a.log.Error("archive query failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
