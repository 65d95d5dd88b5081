// Package dashboard exposes the aggregated telemetry state over HTTP.
package dashboard

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/sensordash/internal/services/aggregator"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/internal/services/persistence"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
)

type Config struct {
	// AllowedOrigins feeds the CORS handler; empty allows any origin.
	AllowedOrigins []string
	// SinkErrorGrace is how long after a failed archive write /healthz
	// keeps reporting degraded.
	SinkErrorGrace time.Duration
	Gatherer       prometheus.Gatherer
	Clock          clock.Clock
	Logger         *slog.Logger
}

type App struct {
	cfg     Config
	conn    *connection.Manager
	agg     *aggregator.Aggregator
	sink    *persistence.Sink
	archive *persistence.Archive
	log     *slog.Logger
}

func NewApp(cfg Config, conn *connection.Manager, agg *aggregator.Aggregator) *App {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.SinkErrorGrace <= 0 {
		cfg.SinkErrorGrace = 30 * time.Second
	}
	return &App{cfg: cfg, conn: conn, agg: agg, log: cfg.Logger.With("component", "dashboard")}
}

// WithArchive attaches the optional Influx sink and its query side.
func (a *App) WithArchive(sink *persistence.Sink, archive *persistence.Archive) *App {
	a.sink = sink
	a.archive = archive
	return a
}

func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/healthz", a.healthHandler()).Methods(http.MethodGet)
	r.Handle("/readyz", a.readyHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/snapshot", a.handleSnapshot).Methods(http.MethodGet)

	api.HandleFunc("/sensors", a.handleSensors).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}", a.handleSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}/history", a.handleSensorHistory).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}/subscribe", a.handleSubscribe).Methods(http.MethodPost)

	api.HandleFunc("/zones", a.handleZones).Methods(http.MethodGet)
	api.HandleFunc("/zones/{zone}", a.handleZone).Methods(http.MethodGet)

	api.HandleFunc("/readings/recent", a.handleRecentReadings).Methods(http.MethodGet)
	api.HandleFunc("/errors", a.handleErrors).Methods(http.MethodGet)
	api.HandleFunc("/errors/recent", a.handleRecentErrors).Methods(http.MethodGet)

	api.HandleFunc("/connection", a.handleConnection).Methods(http.MethodGet)
	api.HandleFunc("/connection/connect", a.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/connection/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/connection/metrics/reset", a.handleResetMetrics).Methods(http.MethodPost)

	api.HandleFunc("/resync", a.handleResync).Methods(http.MethodPost)
	api.HandleFunc("/server/stats", a.handleServerStats).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/sweep", a.handleSweep).Methods(http.MethodPost)

	api.HandleFunc("/archive/readings", a.handleArchiveReadings).Methods(http.MethodGet)
	return r
}

// Handler wraps the router with CORS and combined access logging.
func (a *App) Handler() http.Handler {
	origins := a.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.CombinedLoggingHandler(os.Stdout, cors(a.Router()))
}
