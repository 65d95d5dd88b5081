package dashboard

import (
	"net/http"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
)

type healthStatus struct {
	Status          string                   `json:"status"`
	Connection      messages.ConnectionState `json:"connection"`
	Connected       bool                     `json:"connected"`
	ArchiveEnabled  bool                     `json:"archive_enabled"`
	LastWriteErrorS float64                  `json:"last_write_error_age_sec,omitempty"`
	ArchiveBreaker  string                   `json:"archive_breaker,omitempty"`
}

// healthHandler reports ok when connected with a healthy archive,
// degraded while connecting or when the archive is failing, and down
// otherwise.
func (a *App) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := healthStatus{Connection: a.conn.State(), ArchiveEnabled: a.sink != nil}
		st.Connected = st.Connection == messages.StateConnected

		archiveOK := true
		if a.sink != nil {
			stats := a.sink.Stats()
			st.LastWriteErrorS = stats.LastErrorAge.Seconds()
			st.ArchiveBreaker = stats.BreakerState
			archiveOK = stats.LastErrorAge > a.cfg.SinkErrorGrace
		}

		switch {
		case st.Connected && archiveOK:
			st.Status = "ok"
		case st.Connected || st.Connection == messages.StateConnecting:
			st.Status = "degraded"
		default:
			st.Status = "down"
		}
		writeJSON(w, http.StatusOK, st)
	})
}

// readyHandler answers 200 only while the session is open.
func (a *App) readyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ready := a.conn.IsConnected()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, struct {
			Ready bool `json:"ready"`
		}{ready})
	})
}
