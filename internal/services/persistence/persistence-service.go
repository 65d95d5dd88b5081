// Package persistence archives readings and sensor errors to InfluxDB. It
// is a write-only sink: the dashboard never restores state from it.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
)

const (
	MeasurementReading = "sensor_reading"
	MeasurementError   = "sensor_error"
)

// ErrQueueFull is counted when the sink falls behind and drops a point.
var ErrQueueFull = errors.New("persistence: write queue full")

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" }

func (c InfluxConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("influx config incomplete: org and bucket are required")
	}
	return nil
}

type SinkConfig struct {
	QueueSize       int
	WriteTimeout    time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	return c
}

// PointWriter is the part of the Influx blocking write API the sink needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Stats reports what the sink has done so far.
type Stats struct {
	Written      uint64        `json:"written"`
	Failed       uint64        `json:"failed"`
	Dropped      uint64        `json:"dropped"`
	Queued       int           `json:"queued"`
	BreakerState string        `json:"breaker_state"`
	LastErrorAge time.Duration `json:"last_error_age"`
}

type Sink struct {
	writer PointWriter
	cfg    SinkConfig
	cb     *gobreaker.CircuitBreaker
	log    *slog.Logger
	queue  chan *write.Point

	mu      sync.RWMutex
	lastErr time.Time
	written uint64
	failed  uint64
	dropped uint64
}

func NewSink(w PointWriter, cfg SinkConfig, logger *slog.Logger) *Sink {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		writer:  w,
		cfg:     cfg,
		log:     logger.With("component", "persistence"),
		queue:   make(chan *write.Point, cfg.QueueSize),
		lastErr: time.Now().Add(-24 * time.Hour),
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "influx",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// OpenInflux builds a client and a sink writing to cfg's bucket. The
// caller closes the client after the sink stops.
func OpenInflux(cfg InfluxConfig, sinkCfg SinkConfig, logger *slog.Logger) (influxdb2.Client, *Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled() {
		return nil, nil, fmt.Errorf("influx disabled: empty url")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return client, NewSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), sinkCfg, logger), nil
}

// Handle is the event bus subscriber. It only enqueues, so a slow
// database never stalls event delivery.
func (s *Sink) Handle(n messages.Notification) {
	in, ok := n.(messages.Inbound)
	if !ok {
		return
	}
	var p *write.Point
	switch ev := in.Event.(type) {
	case messages.SensorReading:
		p = ReadingPoint(ev.Reading, in.Received)
	case messages.SensorError:
		p = ErrorPoint(ev.Error, in.Received)
	default:
		return
	}
	select {
	case s.queue <- p:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("point dropped", "measurement", p.Name(), "err", ErrQueueFull)
	}
}

// Run writes queued points until ctx is done, then drains what is left
// with a short deadline.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case p := <-s.queue:
			_ = s.Write(ctx, p)
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case p := <-s.queue:
			if err := s.Write(ctx, p); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Write sends one point through the circuit breaker.
func (s *Sink) Write(ctx context.Context, p *write.Point) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.writer.WritePoint(ctx, p)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		s.lastErr = time.Now()
		s.log.Error("influx write failed", "measurement", p.Name(), "err", err)
		return err
	}
	s.written++
	return nil
}

// LastErrorAge is how long ago the last write failed.
func (s *Sink) LastErrorAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastErr)
}

func (s *Sink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Written:      s.written,
		Failed:       s.failed,
		Dropped:      s.dropped,
		Queued:       len(s.queue),
		BreakerState: s.cb.State().String(),
		LastErrorAge: time.Since(s.lastErr),
	}
}

func ReadingPoint(r entities.Reading, fallback time.Time) *write.Point {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = fallback
	}
	tags := map[string]string{
		"sensor_id": r.SensorID,
		"zone":      r.Location.Zone,
		"type":      string(r.Type),
		"status":    string(r.Status),
	}
	fields := map[string]interface{}{
		"value":   r.Value.Float(),
		"battery": r.Metadata.BatteryLevel,
		"signal":  r.Metadata.SignalStrength,
	}
	if r.Value.IsBool {
		fields["detected"] = r.Value.Bool
	}
	return influxdb2.NewPoint(MeasurementReading, tags, fields, ts)
}

func ErrorPoint(e entities.SensorError, fallback time.Time) *write.Point {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = fallback
	}
	tags := map[string]string{
		"sensor_id": e.SensorID,
		"zone":      e.Location.Zone,
		"code":      e.Code,
		"severity":  string(e.Severity),
	}
	fields := map[string]interface{}{
		"message":    e.Message,
		"auto_retry": e.Metadata.AutoRetry,
		"count":      1,
	}
	if e.Metadata.ErrorID != "" {
		fields["error_id"] = e.Metadata.ErrorID
	}
	return influxdb2.NewPoint(MeasurementError, tags, fields, ts)
}
