package aggregator

import (
	"math"
	"sort"
	"time"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
)

// HealthScore grades the whole installation.
type HealthScore string

const (
	HealthNoData   HealthScore = "sin-datos"
	HealthCritical HealthScore = "critico"
	HealthWarning  HealthScore = "advertencia"
	HealthHealthy  HealthScore = "saludable"
	HealthNormal   HealthScore = "normal"
)

// HealthyZoneThreshold is the health percentage from which a zone counts
// as healthy.
const HealthyZoneThreshold = 80

func healthScore(total, active, errs int) HealthScore {
	switch {
	case total == 0:
		return HealthNoData
	case errs*2 > total:
		return HealthCritical
	case errs*5 > total:
		return HealthWarning
	case active == total:
		return HealthHealthy
	default:
		return HealthNormal
	}
}

func healthPercent(active, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(active) / float64(total)))
}

type Totals struct {
	Total  int         `json:"totalSensores"`
	Active int         `json:"sensoresActivos"`
	Errors int         `json:"sensoresConError"`
	Health HealthScore `json:"estadoSalud"`
}

func totalsOf(sensors map[string]entities.Sensor) Totals {
	t := Totals{Total: len(sensors)}
	for _, s := range sensors {
		if s.Status != entities.StatusOffline {
			t.Active++
		}
		if s.Status == entities.StatusError {
			t.Errors++
		}
	}
	t.Health = healthScore(t.Total, t.Active, t.Errors)
	return t
}

func (a *Aggregator) Totals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return totalsOf(a.sensors)
}

// zonedLocked returns the sensors that take part in zone rollups, which
// leaves out provisional entries.
func (a *Aggregator) zonedLocked() []entities.Sensor {
	out := make([]entities.Sensor, 0, len(a.sensors))
	for _, s := range a.sensors {
		if !s.Provisional {
			out = append(out, s)
		}
	}
	sortSensors(out)
	return out
}

// ZonesUnique returns the sorted distinct zone names.
func (a *Aggregator) ZonesUnique() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, s := range a.zonedLocked() {
		seen[s.Location.Zone] = struct{}{}
	}
	return sortedKeys(seen)
}

// SensorsByZone partitions the listed sensors by zone.
func (a *Aggregator) SensorsByZone() map[string][]entities.Sensor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := map[string][]entities.Sensor{}
	for _, s := range a.zonedLocked() {
		out[s.Location.Zone] = append(out[s.Location.Zone], s)
	}
	return out
}

type ZoneStats struct {
	Zone          string                `json:"zona"`
	Total         int                   `json:"total"`
	Normal        int                   `json:"normal"`
	Warning       int                   `json:"advertencia"`
	Error         int                   `json:"error"`
	Offline       int                   `json:"offline"`
	HealthPercent int                   `json:"porcentajeSalud"`
	Dominant      entities.SensorStatus `json:"estadoDominante"`
	Buildings     []string              `json:"edificios"`
	Rooms         []string              `json:"habitaciones"`
}

// Active counts sensors that are not offline.
func (z ZoneStats) Active() int { return z.Total - z.Offline }

type ZoneSummary struct {
	ZoneStats
	ByType       map[entities.SensorType]int `json:"sensoresPorTipo"`
	ActiveAlerts int                         `json:"alertasActivas"`
}

func dominantStatus(z ZoneStats) entities.SensorStatus {
	switch {
	case z.Error > 0:
		return entities.StatusError
	case z.Warning > 0:
		return entities.StatusWarning
	case z.Total > 0 && z.Offline == z.Total:
		return entities.StatusOffline
	default:
		return entities.StatusNormal
	}
}

func summarize(zone string, sensors []entities.Sensor) ZoneSummary {
	z := ZoneSummary{
		ZoneStats: ZoneStats{Zone: zone, Total: len(sensors)},
		ByType:    map[entities.SensorType]int{},
	}
	buildings := map[string]struct{}{}
	rooms := map[string]struct{}{}
	for _, s := range sensors {
		switch s.Status {
		case entities.StatusWarning:
			z.Warning++
		case entities.StatusError:
			z.Error++
		case entities.StatusOffline:
			z.Offline++
		default:
			z.Normal++
		}
		z.ByType[s.Type]++
		if s.Location.Building != "" {
			buildings[s.Location.Building] = struct{}{}
		}
		if s.Location.Room != "" {
			rooms[s.Location.Room] = struct{}{}
		}
	}
	z.HealthPercent = healthPercent(z.Active(), z.Total)
	z.Dominant = dominantStatus(z.ZoneStats)
	z.Buildings = sortedKeys(buildings)
	z.Rooms = sortedKeys(rooms)
	z.ActiveAlerts = z.Error + z.Warning
	return z
}

// ZoneSummaries returns one summary per zone, sorted by zone name.
func (a *Aggregator) ZoneSummaries() []ZoneSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.zoneSummariesLocked()
}

func (a *Aggregator) zoneSummariesLocked() []ZoneSummary {
	byZone := map[string][]entities.Sensor{}
	for _, s := range a.zonedLocked() {
		byZone[s.Location.Zone] = append(byZone[s.Location.Zone], s)
	}
	out := make([]ZoneSummary, 0, len(byZone))
	for _, zone := range sortedKeys(byZone) {
		out = append(out, summarize(zone, byZone[zone]))
	}
	return out
}

// Zone returns the rollup of one zone.
func (a *Aggregator) Zone(zone string) (ZoneSummary, bool) {
	for _, z := range a.ZoneSummaries() {
		if z.Zone == zone {
			return z, true
		}
	}
	return ZoneSummary{}, false
}

// BestHealthZone returns the zone with the highest health percentage. On a
// tie the first zone in name order wins.
func (a *Aggregator) BestHealthZone() (ZoneSummary, bool) {
	return pickZone(a.ZoneSummaries(), func(c, best int) bool { return c > best })
}

// WorstHealthZone returns the zone with the lowest health percentage. On a
// tie the first zone in name order wins.
func (a *Aggregator) WorstHealthZone() (ZoneSummary, bool) {
	return pickZone(a.ZoneSummaries(), func(c, worst int) bool { return c < worst })
}

func pickZone(zones []ZoneSummary, better func(candidate, current int) bool) (ZoneSummary, bool) {
	if len(zones) == 0 {
		return ZoneSummary{}, false
	}
	pick := zones[0]
	for _, z := range zones[1:] {
		if better(z.HealthPercent, pick.HealthPercent) {
			pick = z
		}
	}
	return pick, true
}

// RecentReadings returns the latest readings newer than the recent window
// relative to the clock, newest first.
func (a *Aggregator) RecentReadings() []entities.Reading {
	cutoff := a.clock.Now().Add(-a.opts.RecentWindow)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recentReadingsLocked(cutoff)
}

func (a *Aggregator) recentReadingsLocked(cutoff time.Time) []entities.Reading {
	out := make([]entities.Reading, 0, len(a.latest))
	for _, r := range a.latest {
		if r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].SensorID < out[j].SensorID
	})
	return out
}

// RecentErrors returns the error records newer than the recent window,
// newest first.
func (a *Aggregator) RecentErrors() []entities.SensorError {
	cutoff := a.clock.Now().Add(-a.opts.RecentWindow)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recentErrorsLocked(cutoff)
}

func (a *Aggregator) recentErrorsLocked(cutoff time.Time) []entities.SensorError {
	var out []entities.SensorError
	for _, e := range a.errors.Newest(0) {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

type SensorCounts struct {
	Total     int                         `json:"total"`
	Active    int                         `json:"activos"`
	WithError int                         `json:"conError"`
	ByType    map[entities.SensorType]int `json:"porTipo"`
}

type WindowCounts struct {
	Total  int `json:"total"`
	Recent int `json:"recientes"`
}

type Statistics struct {
	Sensors  SensorCounts `json:"sensores"`
	Readings WindowCounts `json:"lecturas"`
	Errors   WindowCounts `json:"errores"`
	Health   HealthScore  `json:"salud"`
}

func (a *Aggregator) Statistics() Statistics {
	cutoff := a.clock.Now().Add(-a.opts.RecentWindow)
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := totalsOf(a.sensors)
	byType := make(map[entities.SensorType]int, len(entities.SensorTypes))
	for _, st := range entities.SensorTypes {
		byType[st] = 0
	}
	for _, s := range a.sensors {
		if s.Type != "" {
			byType[s.Type]++
		}
	}
	return Statistics{
		Sensors:  SensorCounts{Total: t.Total, Active: t.Active, WithError: t.Errors, ByType: byType},
		Readings: WindowCounts{Total: len(a.latest), Recent: len(a.recentReadingsLocked(cutoff))},
		Errors:   WindowCounts{Total: a.errors.Len(), Recent: len(a.recentErrorsLocked(cutoff))},
		Health:   t.Health,
	}
}

// Overview holds the numbers of the dashboard summary cards.
type Overview struct {
	Total             int       `json:"totalSensores"`
	Active            int       `json:"sensoresActivos"`
	Inactive          int       `json:"sensoresInactivos"`
	WithError         int       `json:"sensoresConError"`
	ConnectionPercent int       `json:"promedioConexion"`
	LastUpdate        time.Time `json:"ultimaActualizacion"`
}

func (a *Aggregator) Overview() Overview {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := totalsOf(a.sensors)
	return Overview{
		Total:             t.Total,
		Active:            t.Active,
		Inactive:          max(t.Total-t.Active-t.Errors, 0),
		WithError:         t.Errors,
		ConnectionPercent: healthPercent(t.Active, t.Total),
		LastUpdate:        a.lastUpdate,
	}
}

type ZoneOverview struct {
	Zones           int `json:"totalZonas"`
	HealthyZones    int `json:"zonasSaludables"`
	ZonesWithAlerts int `json:"zonasConAlertas"`
}

func (a *Aggregator) ZoneOverview() ZoneOverview {
	zones := a.ZoneSummaries()
	o := ZoneOverview{Zones: len(zones)}
	for _, z := range zones {
		if z.HealthPercent >= HealthyZoneThreshold {
			o.HealthyZones++
		}
		if z.ActiveAlerts > 0 {
			o.ZonesWithAlerts++
		}
	}
	return o
}

// Snapshot is a consistent copy of the state and its main views, taken
// under a single read lock.
type Snapshot struct {
	ConnectionState messages.ConnectionState `json:"estadoConexion"`
	ClientID        string                   `json:"clienteId,omitempty"`
	ServerInfo      *entities.ServerInfo     `json:"infoServidor,omitempty"`
	ServerStats     *entities.ServerStats    `json:"estadisticasServidor,omitempty"`
	LastServerError *messages.ServerError    `json:"ultimoErrorServidor,omitempty"`
	LastPong        time.Time                `json:"ultimoPong"`
	LastUpdate      time.Time                `json:"ultimaActualizacion"`
	EventsApplied   uint64                   `json:"eventosAplicados"`
	Totals          Totals                   `json:"totales"`
	Zones           []ZoneSummary            `json:"zonas"`
	Sensors         []entities.Sensor        `json:"sensores"`
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sensors := make([]entities.Sensor, 0, len(a.sensors))
	for _, s := range a.sensors {
		sensors = append(sensors, s)
	}
	sortSensors(sensors)
	snap := Snapshot{
		ConnectionState: a.connState,
		ClientID:        a.clientID,
		LastPong:        a.lastPong,
		LastUpdate:      a.lastUpdate,
		EventsApplied:   a.applied,
		Totals:          totalsOf(a.sensors),
		Zones:           a.zoneSummariesLocked(),
		Sensors:         sensors,
	}
	if a.serverInfo != nil {
		v := *a.serverInfo
		snap.ServerInfo = &v
	}
	if a.serverStats != nil {
		v := *a.serverStats
		snap.ServerStats = &v
	}
	if a.lastServerError != nil {
		v := *a.lastServerError
		snap.LastServerError = &v
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
