// Package sensor_simulator is a stand-in telemetry server. It speaks the
// same websocket protocol as the real one and is used for local runs and
// end-to-end tests.
package sensor_simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/wire"
)

const (
	DefaultInterval = 2 * time.Second
	ServerVersion   = "1.0.0"

	CodeUnknownType = "TIPO_MENSAJE_DESCONOCIDO"
	CodeParseError  = "ERROR_PARSEO_MENSAJE"

	sendQueue    = 64
	writeTimeout = 5 * time.Second
)

type Config struct {
	Sensors   []entities.Sensor
	Interval  time.Duration
	ErrorRate float64
	Seed      int64
	Clock     clock.Clock
	Logger    *slog.Logger
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

type SensorSimulator struct {
	cfg      Config
	gen      *DataGenerator
	clk      clock.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	stats   entities.ServerStats
	subs    map[string][]string
}

func NewSensorSimulator(cfg Config) *SensorSimulator {
	if len(cfg.Sensors) == 0 {
		cfg.Sensors = DefaultSensors()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &SensorSimulator{
		cfg:     cfg,
		gen:     NewDataGenerator(cfg.Seed, cfg.ErrorRate),
		clk:     cfg.Clock,
		log:     cfg.Logger.With("component", "simulator"),
		started: cfg.Clock.Now(),
		clients: map[*client]struct{}{},
		subs:    map[string][]string{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.stats.StartTimeMs = s.started.UnixMilli()
	s.stats.ActiveSensors = len(cfg.Sensors)
	return s
}

// Handler serves the websocket endpoint on "/" and a JSON health check on
// "/health".
func (s *SensorSimulator) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleWS)
	return r
}

func (s *SensorSimulator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{id: newClientID(), conn: conn, send: make(chan []byte, sendQueue)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.stats.TotalConnections++
	s.mu.Unlock()
	s.log.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.sendTo(c, messages.ConnectionEstablished{
		Message:   "Conectado al Servidor de Sensores IoT",
		ClientID:  c.id,
		Timestamp: s.clk.Now().UTC(),
		ServerInfo: entities.ServerInfo{
			Version:          ServerVersion,
			TotalSensors:     len(s.cfg.Sensors),
			UpdateIntervalMs: s.cfg.Interval.Milliseconds(),
		},
	})
	s.readLoop(c)
}

func (s *SensorSimulator) readLoop(c *client) {
	defer s.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.log.Info("client disconnected", "client_id", c.id, "code", ce.Code, "reason", ce.Text)
			} else {
				s.log.Debug("read failed", "client_id", c.id, "err", err)
			}
			return
		}
		s.handleCommand(c, data)
	}
}

func (s *SensorSimulator) writeLoop(c *client) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("write failed", "client_id", c.id, "err", err)
			_ = c.conn.Close()
			return
		}
	}
}

func (s *SensorSimulator) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	delete(s.subs, c.id)
	s.mu.Unlock()
	if ok {
		c.close()
	}
	_ = c.conn.Close()
}

func (s *SensorSimulator) handleCommand(c *client, data []byte) {
	cmd, err := wire.DecodeCommand(data)
	switch {
	case errors.Is(err, wire.ErrUnknownType):
		s.log.Info("unknown message type", "client_id", c.id, "err", err)
		s.sendError(c, CodeUnknownType, err.Error())
		return
	case err != nil:
		s.log.Warn("bad client frame", "client_id", c.id, "err", err)
		s.sendError(c, CodeParseError, "Formato JSON inválido")
		return
	}

	s.mu.Lock()
	s.stats.TotalMessages++
	s.mu.Unlock()

	now := s.clk.Now().UTC()
	switch m := cmd.(type) {
	case messages.Ping:
		s.sendTo(c, messages.Pong{Timestamp: now})
	case messages.ListSensors:
		s.sendTo(c, messages.SensorList{Sensors: s.sensorList(), Timestamp: now})
	case messages.RequestServerStats:
		s.sendTo(c, messages.ServerStats{Stats: s.Stats(), Timestamp: now})
	case messages.SubscribeSensor:
		s.mu.Lock()
		s.subs[c.id] = append(s.subs[c.id], m.SensorID)
		s.mu.Unlock()
		s.log.Info("client subscribed", "client_id", c.id, "sensor_id", m.SensorID)
	}
}

// sensorList reports every sensor as "activo", like the real server.
func (s *SensorSimulator) sensorList() []entities.Sensor {
	out := make([]entities.Sensor, 0, len(s.cfg.Sensors))
	for _, sn := range s.cfg.Sensors {
		out = append(out, entities.Sensor{
			ID:       sn.ID,
			Name:     sn.Name,
			Type:     sn.Type,
			Location: sn.Location,
			Unit:     sn.Unit,
			Status:   entities.SensorStatus("activo"),
		})
	}
	return out
}

func (s *SensorSimulator) sendError(c *client, code, msg string) {
	s.mu.Lock()
	s.stats.TotalErrors++
	s.mu.Unlock()
	s.sendTo(c, messages.ServerError{
		Code:      code,
		Message:   msg,
		Timestamp: s.clk.Now().UTC(),
		Severity:  entities.SeverityLow,
	})
}

func (s *SensorSimulator) sendTo(c *client, ev messages.Event) {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		s.log.Error("encode event", "kind", ev.Kind(), "err", err)
		return
	}
	s.enqueue(c, data)
}

// enqueue hands data to the client's writer. A client whose queue is full
// is disconnected.
func (s *SensorSimulator) enqueue(c *client, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		s.log.Warn("slow client dropped", "client_id", c.id)
		delete(s.clients, c)
		c.close()
	}
}

func (s *SensorSimulator) broadcast(ev messages.Event) {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		s.log.Error("encode event", "kind", ev.Kind(), "err", err)
		return
	}
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		s.enqueue(c, data)
	}
}

// Tick sends one reading per sensor to every client and, at the
// configured rate, a sensor error. It returns the number of errors sent.
func (s *SensorSimulator) Tick() int {
	if s.ClientCount() == 0 {
		return 0
	}
	now := s.clk.Now().UTC()
	errs := 0
	for _, sn := range s.cfg.Sensors {
		s.broadcast(messages.SensorReading{Reading: s.gen.Next(sn, now), Timestamp: now})
		if e, ok := s.gen.MaybeError(sn, now); ok {
			s.broadcast(messages.SensorError{Error: e, Timestamp: now})
			s.mu.Lock()
			s.stats.TotalErrors++
			s.mu.Unlock()
			errs++
		}
	}
	return errs
}

// InjectError broadcasts a fault for the sensor with the given id.
func (s *SensorSimulator) InjectError(sensorID string) error {
	for _, sn := range s.cfg.Sensors {
		if sn.ID == sensorID {
			now := s.clk.Now().UTC()
			s.broadcast(messages.SensorError{Error: s.gen.Error(sn, now), Timestamp: now})
			return nil
		}
	}
	return fmt.Errorf("unknown sensor %q", sensorID)
}

// Run ticks every Interval until ctx is done, then closes every client
// with a going-away frame.
func (s *SensorSimulator) Run(ctx context.Context) {
	t := s.clk.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.CloseAll(websocket.CloseGoingAway, "server shutting down")
			return
		case <-t.C():
			s.Tick()
		}
	}
}

// CloseAll sends a close frame with code to every client and drops them.
func (s *SensorSimulator) CloseAll(code int, reason string) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range targets {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		s.drop(c)
	}
}

func (s *SensorSimulator) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Subscriptions returns the sensor ids each client asked for.
func (s *SensorSimulator) Subscriptions() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.subs))
	for k, v := range s.subs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (s *SensorSimulator) Stats() entities.ServerStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.UptimeSeconds = int64(now.Sub(s.started).Seconds())
	st.ActiveClients = len(s.clients)
	st.MemoryUsage = map[string]int64{
		"heapAlloc": int64(mem.HeapAlloc),
		"heapSys":   int64(mem.HeapSys),
		"sys":       int64(mem.Sys),
	}
	st.Timestamp = now.UTC()
	return st
}

func newClientID() string { return "cliente_" + uuid.NewString()[:8] }
