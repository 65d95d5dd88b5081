package sensor_simulator

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
)

// ====== Tunables ======
const (
	DefaultErrorRate = 0.02  // sensor error per sensor per tick
	outOfRangeRate   = 0.1   // reading drawn from the full range instead of the normal one
	criticalRate     = 0.005 // reading forced to error status
	motionRate       = 0.3
)

// DefaultSensors is the fleet the simulator reports when none is
// configured.
func DefaultSensors() []entities.Sensor {
	office := entities.Location{Zone: "oficina", Room: "Sala de Conferencias A", Building: "Edificio Principal"}
	lobby := entities.Location{Zone: "entrada", Room: "Lobby Principal", Building: "Edificio Principal"}
	open := entities.Location{Zone: "oficina", Room: "Área Abierta", Building: "Edificio Principal"}
	return []entities.Sensor{
		{ID: "TEMP_001", Name: "Temperatura Sala de Conferencias", Type: entities.TypeTemperature, Location: office, Unit: "°C",
			Range: &entities.Range{Min: 18, Max: 28}, NormalRange: &entities.Range{Min: 20, Max: 25}},
		{ID: "HUM_001", Name: "Humedad Sala de Conferencias", Type: entities.TypeHumidity, Location: office, Unit: "%",
			Range: &entities.Range{Min: 30, Max: 80}, NormalRange: &entities.Range{Min: 40, Max: 60}},
		{ID: "TEMP_002", Name: "Temperatura Lobby", Type: entities.TypeTemperature, Location: lobby, Unit: "°C",
			Range: &entities.Range{Min: 16, Max: 30}, NormalRange: &entities.Range{Min: 19, Max: 26}},
		{ID: "MOVIMIENTO_001", Name: "Detector de Movimiento Lobby", Type: entities.TypeMotion, Location: lobby, Unit: "boolean",
			Range: &entities.Range{Min: 0, Max: 1}, NormalRange: &entities.Range{Min: 0, Max: 1}},
		{ID: "LUZ_001", Name: "Sensor de Iluminación Oficina", Type: entities.TypeLight, Location: open, Unit: "lux",
			Range: &entities.Range{Min: 0, Max: 1000}, NormalRange: &entities.Range{Min: 200, Max: 800}},
	}
}

type errorTemplate struct {
	code     string
	message  string
	severity entities.Severity
	fixes    []string
}

var errorTemplates = []errorTemplate{
	{"SENSOR_OFFLINE", "El sensor no responde", entities.SeverityHigh, []string{
		"Verificar conexión de energía del sensor",
		"Verificar conectividad de red",
		"Reiniciar sensor si es necesario",
	}},
	{"DERIVA_CALIBRACION", "Las lecturas del sensor están fuera del rango de calibración", entities.SeverityMedium, []string{
		"Recalibrar sensor usando referencia estándar",
		"Verificar ambiente del sensor por interferencias",
		"Programar mantenimiento si el problema persiste",
	}},
	{"BATERIA_BAJA", "El nivel de batería del sensor está críticamente bajo", entities.SeverityMedium, []string{
		"Reemplazar batería del sensor",
		"Verificar compartimento de batería por corrosión",
		"Verificar compatibilidad del tipo de batería",
	}},
	{"ERROR_COMUNICACION", "Fallo al comunicarse con el sensor", entities.SeverityHigh, []string{
		"Verificar conexión de red",
		"Verificar que el sensor esté dentro del rango de comunicación",
		"Reiniciar módulo de comunicación",
	}},
}

// DataGenerator draws readings and faults for configured sensors. It is
// safe for concurrent use.
type DataGenerator struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	errorRate float64
}

// NewDataGenerator returns a generator seeded with seed; errorRate <= 0
// selects DefaultErrorRate.
func NewDataGenerator(seed int64, errorRate float64) *DataGenerator {
	if errorRate <= 0 {
		errorRate = DefaultErrorRate
	}
	return &DataGenerator{rnd: rand.New(rand.NewSource(seed)), errorRate: math.Min(errorRate, 1)}
}

func (g *DataGenerator) float() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Float64()
}

func (g *DataGenerator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Intn(n)
}

// Next returns one reading for s taken at now.
func (g *DataGenerator) Next(s entities.Sensor, now time.Time) entities.Reading {
	rng := rangeOr(s.Range, entities.Range{Min: 0, Max: 100})
	normal := rangeOr(s.NormalRange, rng)

	status := entities.StatusNormal
	var value entities.Value
	switch s.Type {
	case entities.TypeMotion:
		value = entities.NumberValue(0)
		if g.float() < motionRate {
			value = entities.NumberValue(1)
		}
	case entities.TypeTemperature, entities.TypeHumidity, entities.TypeLight:
		var v float64
		if g.float() >= outOfRangeRate {
			v = normal.Min + g.float()*(normal.Max-normal.Min)
		} else {
			v = rng.Min + g.float()*(rng.Max-rng.Min)
			if !normal.Contains(v) {
				status = entities.StatusWarning
			}
		}
		value = entities.NumberValue(math.Round(v*10) / 10)
	default:
		value = entities.NumberValue(math.Round((rng.Min+g.float()*(rng.Max-rng.Min))*100) / 100)
	}
	if g.float() < criticalRate {
		status = entities.StatusError
	}

	return entities.Reading{
		ID:         s.ID + "_lectura_" + uuid.NewString()[:8],
		SensorID:   s.ID,
		SensorName: s.Name,
		Type:       s.Type,
		Value:      value,
		Unit:       s.Unit,
		Timestamp:  now.UTC(),
		Status:     status,
		Location:   s.Location,
		Metadata: entities.DeviceMetadata{
			BatteryLevel:    70 + g.intn(30),
			SignalStrength:  80 + g.intn(20),
			LastCalibration: now.Add(-time.Duration(g.float() * float64(30*24*time.Hour))).UTC(),
		},
	}
}

// MaybeError rolls the per-tick error rate and returns a fault for s when
// it hits.
func (g *DataGenerator) MaybeError(s entities.Sensor, now time.Time) (entities.SensorError, bool) {
	if g.float() >= g.errorRate {
		return entities.SensorError{}, false
	}
	return g.Error(s, now), true
}

// Error draws one of the known fault templates for s.
func (g *DataGenerator) Error(s entities.Sensor, now time.Time) entities.SensorError {
	t := errorTemplates[g.intn(len(errorTemplates))]
	resolution := "5-10 minutos"
	if t.severity == entities.SeverityHigh {
		resolution = "15-30 minutos"
	}
	return entities.SensorError{
		Code:        t.code,
		SensorID:    s.ID,
		SensorName:  s.Name,
		Message:     t.message,
		Severity:    t.severity,
		Timestamp:   now.UTC(),
		Location:    s.Location,
		Remediation: append([]string(nil), t.fixes...),
		Metadata: entities.ErrorMetadata{
			ErrorID:             "ERR_" + strings.ToUpper(uuid.NewString()[:8]),
			AutoRetry:           t.severity != entities.SeverityHigh,
			EstimatedResolution: resolution,
		},
	}
}

func rangeOr(r *entities.Range, def entities.Range) entities.Range {
	if r == nil || r.Max < r.Min {
		return def
	}
	return *r
}
