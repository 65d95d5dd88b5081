// Package aggregator folds the server event stream into the dashboard's
// snapshot: sensors, latest readings, recent errors and server stats.
// Events are applied one at a time under a write lock; views are
// recomputed from the source maps on every read.
package aggregator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/dedup"
	"github.com/LeonardoBeccarini/sensordash/pkg/ringbuffer"
)

const (
	DefaultErrorCapacity = 1000
	DefaultHistoryLimit  = 100
	DefaultRecentWindow  = 24 * time.Hour
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultDedupTTL      = 10 * time.Minute
	defaultDedupMaxIDs   = 10000
)

// Commander sends commands to the telemetry server.
type Commander interface {
	SendCommand(cmd messages.Command) connection.SendResult
}

type Options struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	ErrorCapacity int
	// HistoryLimit bounds the per-sensor reading history.
	HistoryLimit int
	RecentWindow time.Duration
	Retention    time.Duration
	DedupTTL     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ErrorCapacity <= 0 {
		o.ErrorCapacity = DefaultErrorCapacity
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = DefaultRecentWindow
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = DefaultDedupTTL
	}
	return o
}

// Aggregator is the reducer behind the dashboard snapshot.
type Aggregator struct {
	opts  Options
	clock clock.Clock
	log   *slog.Logger
	cmd   Commander
	dedup *dedup.Deduper

	mu              sync.RWMutex
	attempt         uint64
	connState       messages.ConnectionState
	clientID        string
	serverInfo      *entities.ServerInfo
	serverStats     *entities.ServerStats
	lastServerError *messages.ServerError
	lastPong        time.Time
	lastUpdate      time.Time
	applied         uint64
	sensors         map[string]entities.Sensor
	latest          map[string]entities.Reading
	history         map[string]*ringbuffer.Ring[entities.Reading]
	errors          *ringbuffer.Ring[entities.SensorError]
}

// New builds an empty aggregator. cmd may be nil, in which case requests
// to the server are dropped.
func New(cmd Commander, opts Options) *Aggregator {
	opts = opts.withDefaults()
	a := &Aggregator{
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "aggregator"),
		cmd:       cmd,
		dedup:     dedup.New(opts.Clock, opts.DedupTTL, defaultDedupMaxIDs),
		connState: messages.StateDisconnected,
	}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.clientID = ""
	a.serverInfo = nil
	a.serverStats = nil
	a.lastServerError = nil
	a.lastPong = time.Time{}
	a.lastUpdate = time.Time{}
	a.sensors = make(map[string]entities.Sensor)
	a.latest = make(map[string]entities.Reading)
	a.history = make(map[string]*ringbuffer.Ring[entities.Reading])
	a.errors = ringbuffer.New[entities.SensorError](a.opts.ErrorCapacity)
	a.dedup.Reset()
}

// Handle is the event bus subscriber.
func (a *Aggregator) Handle(n messages.Notification) {
	switch ev := n.(type) {
	case messages.StateChangeEvent:
		a.ApplyState(ev)
	case messages.Inbound:
		a.Apply(ev)
	}
}

// ApplyState tracks the current connection attempt and forces every
// sensor offline when the connection drops.
func (a *Aggregator) ApplyState(ev messages.StateChangeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ev.AttemptID > a.attempt {
		a.attempt = ev.AttemptID
	}
	a.connState = ev.State
	if ev.State == messages.StateDisconnected || ev.State == messages.StateFaulted {
		for id, s := range a.sensors {
			s.Status = entities.StatusOffline
			a.sensors[id] = s
		}
	}
}

// Apply folds one inbound event into the snapshot. Events decoded under an
// older connection attempt are discarded; the return value reports whether
// the event was applied.
func (a *Aggregator) Apply(in messages.Inbound) bool {
	requestList := false

	a.mu.Lock()
	if in.AttemptID < a.attempt {
		a.mu.Unlock()
		a.log.Debug("stale event discarded", "kind", in.Event.Kind(), "attempt_id", in.AttemptID, "current", a.attempt)
		return false
	}
	a.attempt = in.AttemptID

	switch ev := in.Event.(type) {
	case messages.ConnectionEstablished:
		a.clientID = ev.ClientID
		info := ev.ServerInfo
		a.serverInfo = &info
		requestList = true
	case messages.SensorList:
		a.replaceSensorsLocked(ev.Sensors)
	case messages.SensorReading:
		a.applyReadingLocked(ev.Reading, at(ev.Timestamp, in.Received))
	case messages.SensorError:
		if !a.applyErrorLocked(ev.Error, at(ev.Timestamp, in.Received)) {
			a.mu.Unlock()
			return false
		}
	case messages.ServerStats:
		stats := ev.Stats
		a.serverStats = &stats
	case messages.Pong:
		a.lastPong = in.Received
	case messages.ServerError:
		se := ev
		a.lastServerError = &se
		a.log.Warn("server reported error", "code", ev.Code, "message", ev.Message, "severity", ev.Severity)
	}
	a.applied++
	a.lastUpdate = in.Received
	a.mu.Unlock()

	if requestList {
		a.RequestSensors()
	}
	return true
}

func at(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts
}

// replaceSensorsLocked makes the list the whole sensor map. Readings of
// unlisted ids stay in latest and history.
func (a *Aggregator) replaceSensorsLocked(list []entities.Sensor) {
	next := make(map[string]entities.Sensor, len(list))
	for _, s := range list {
		if s.ID == "" {
			continue
		}
		if s.Status == "" {
			s.Status = entities.StatusNormal
		}
		s.Provisional = false
		next[s.ID] = s
	}
	a.sensors = next
}

func (a *Aggregator) applyReadingLocked(r entities.Reading, ts time.Time) {
	if r.SensorID == "" {
		a.log.Debug("reading without sensor id dropped", "reading_id", r.ID)
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = ts
	}
	if r.Status == "" {
		r.Status = entities.StatusNormal
	}
	a.latest[r.SensorID] = r
	h, ok := a.history[r.SensorID]
	if !ok {
		h = ringbuffer.New[entities.Reading](a.opts.HistoryLimit)
		a.history[r.SensorID] = h
	}
	h.Push(r)

	s, ok := a.sensors[r.SensorID]
	if !ok {
		s = entities.Sensor{
			ID:          r.SensorID,
			Name:        r.SensorName,
			Type:        r.Type,
			Location:    r.Location,
			Unit:        r.Unit,
			Provisional: true,
		}
	}
	s.Status = r.Status
	a.sensors[r.SensorID] = s
}

func (a *Aggregator) applyErrorLocked(e entities.SensorError, ts time.Time) bool {
	if !a.dedup.ShouldProcess(e.Metadata.ErrorID) {
		a.log.Debug("duplicate sensor error ignored", "error_id", e.Metadata.ErrorID)
		return false
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = ts
	}
	a.errors.Push(e)
	// Errors only mark sensors already known; the record is kept either way.
	if s, ok := a.sensors[e.SensorID]; ok {
		s.Status = entities.StatusError
		a.sensors[e.SensorID] = s
	}
	return true
}

// Reset clears every map and buffer. Connection tracking is kept.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
	a.log.Info("state reset")
}

// SweepRetention drops readings and error records older than the
// retention period relative to now, returning how many were removed.
func (a *Aggregator) SweepRetention(now time.Time) (readings, errs int) {
	cutoff := now.Add(-a.opts.Retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, r := range a.latest {
		if r.Timestamp.Before(cutoff) {
			delete(a.latest, id)
			readings++
		}
	}
	for id, h := range a.history {
		h.Retain(func(r entities.Reading) bool { return !r.Timestamp.Before(cutoff) })
		if h.Len() == 0 {
			delete(a.history, id)
		}
	}
	errs = a.errors.Retain(func(e entities.SensorError) bool { return !e.Timestamp.Before(cutoff) })
	if readings > 0 || errs > 0 {
		a.log.Info("retention sweep", "readings_removed", readings, "errors_removed", errs, "cutoff", cutoff)
	}
	return readings, errs
}

func (a *Aggregator) send(cmd messages.Command) connection.SendResult {
	if a.cmd == nil {
		return connection.Dropped
	}
	res := a.cmd.SendCommand(cmd)
	a.log.Debug("command issued", "kind", cmd.Kind(), "result", res)
	return res
}

func (a *Aggregator) RequestSensors() connection.SendResult {
	return a.send(messages.ListSensors{})
}

func (a *Aggregator) RequestServerStats() connection.SendResult {
	return a.send(messages.RequestServerStats{})
}

func (a *Aggregator) SubscribeSensor(id string) connection.SendResult {
	return a.send(messages.SubscribeSensor{SensorID: id})
}

// Resync clears the snapshot and asks the server for a fresh sensor list.
func (a *Aggregator) Resync() connection.SendResult {
	a.Reset()
	return a.RequestSensors()
}

func (a *Aggregator) Sensor(id string) (entities.Sensor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sensors[id]
	return s, ok
}

func (a *Aggregator) LatestReading(id string) (entities.Reading, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.latest[id]
	return r, ok
}

// Sensors returns every sensor sorted by id.
func (a *Aggregator) Sensors() []entities.Sensor {
	return a.filterSensors(func(entities.Sensor) bool { return true })
}

func (a *Aggregator) SensorsByType(t entities.SensorType) []entities.Sensor {
	return a.filterSensors(func(s entities.Sensor) bool { return s.Type == t })
}

func (a *Aggregator) SensorsByStatus(st entities.SensorStatus) []entities.Sensor {
	return a.filterSensors(func(s entities.Sensor) bool { return s.Status == st })
}

func (a *Aggregator) SensorsInZone(zone string) []entities.Sensor {
	return a.filterSensors(func(s entities.Sensor) bool { return s.Location.Zone == zone })
}

func (a *Aggregator) filterSensors(keep func(entities.Sensor) bool) []entities.Sensor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]entities.Sensor, 0, len(a.sensors))
	for _, s := range a.sensors {
		if keep(s) {
			out = append(out, s)
		}
	}
	sortSensors(out)
	return out
}

func sortSensors(s []entities.Sensor) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// SensorHistory returns up to limit readings of one sensor, newest first.
// limit <= 0 means the default of 100.
func (a *Aggregator) SensorHistory(id string, limit int) []entities.Reading {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.history[id]
	if !ok {
		return nil
	}
	out := h.Newest(0)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Errors returns every stored error record, newest first.
func (a *Aggregator) Errors() []entities.SensorError {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.errors.Newest(0)
}

func (a *Aggregator) ClientID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientID
}

func (a *Aggregator) ConnectionState() messages.ConnectionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connState
}

func (a *Aggregator) ServerInfo() (entities.ServerInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.serverInfo == nil {
		return entities.ServerInfo{}, false
	}
	return *a.serverInfo, true
}

func (a *Aggregator) ServerStats() (entities.ServerStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.serverStats == nil {
		return entities.ServerStats{}, false
	}
	return *a.serverStats, true
}

func (a *Aggregator) LastServerError() (messages.ServerError, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastServerError == nil {
		return messages.ServerError{}, false
	}
	return *a.lastServerError, true
}
