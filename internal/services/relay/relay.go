// Package relay republishes dashboard state on MQTT: a retained summary per
// zone on every tick and one alert per sensor error as it arrives.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/sensordash/internal/model/entities"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/aggregator"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/mqtt"
)

const (
	DefaultTopicPrefix = "sensordash"
	DefaultInterval    = 10 * time.Second

	qosSummary byte = 0
	qosAlert   byte = 1
)

// ZoneSource yields the zone rollups to publish.
type ZoneSource interface {
	ZoneSummaries() []aggregator.ZoneSummary
}

type Config struct {
	TopicPrefix     string
	Interval        time.Duration
	AlertQueue      int
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	c.TopicPrefix = strings.TrimSuffix(c.TopicPrefix, "/")
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AlertQueue <= 0 {
		c.AlertQueue = 256
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	return c
}

// Alert is the payload published for each sensor error.
type Alert struct {
	SensorID string            `json:"sensorId"`
	Zone     string            `json:"zona"`
	Code     string            `json:"codigoError"`
	Severity entities.Severity `json:"severidad"`
	Message  string            `json:"mensaje"`
	ErrorID  string            `json:"errorId,omitempty"`
	At       time.Time         `json:"timestamp"`
}

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type Relay struct {
	pub    mqtt.Publisher
	zones  ZoneSource
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
	cb     *gobreaker.CircuitBreaker
	alerts chan Alert

	mu    sync.Mutex
	stats Stats
}

func New(pub mqtt.Publisher, zones ZoneSource, cfg Config, clk clock.Clock, logger *slog.Logger) *Relay {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		pub:    pub,
		zones:  zones,
		cfg:    cfg,
		clk:    clk,
		log:    logger.With("component", "relay"),
		alerts: make(chan Alert, cfg.AlertQueue),
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-relay",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// Handle is the bus subscriber. Sensor errors are queued for Run; a full
// queue drops the alert.
func (r *Relay) Handle(n messages.Notification) {
	in, ok := n.(messages.Inbound)
	if !ok {
		return
	}
	ev, ok := in.Event.(messages.SensorError)
	if !ok {
		return
	}
	e := ev.Error
	a := Alert{
		SensorID: e.SensorID,
		Zone:     e.Location.Zone,
		Code:     e.Code,
		Severity: e.Severity,
		Message:  e.Message,
		ErrorID:  e.Metadata.ErrorID,
		At:       e.Timestamp,
	}
	if a.At.IsZero() {
		a.At = in.Received
	}
	select {
	case r.alerts <- a:
	default:
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		r.log.Warn("alert dropped", "sensor_id", a.SensorID)
	}
}

// Run publishes queued alerts as they come and zone summaries every
// Interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	t := r.clk.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.alerts:
			_ = r.PublishAlert(a)
		case <-t.C():
			r.Tick()
		}
	}
}

// Tick publishes every zone summary, retained, and returns how many made it.
func (r *Relay) Tick() int {
	ok := 0
	for _, z := range r.zones.ZoneSummaries() {
		body, err := json.Marshal(z)
		if err != nil {
			r.log.Error("encode zone summary", "zone", z.Zone, "err", err)
			continue
		}
		if r.publish(r.ZoneTopic(z.Zone), qosSummary, true, body) == nil {
			ok++
		}
	}
	return ok
}

func (r *Relay) PublishAlert(a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return r.publish(r.AlertTopic(a.Zone, a.SensorID), qosAlert, false, body)
}

func (r *Relay) publish(topic string, qos byte, retained bool, body []byte) error {
	_, err := r.cb.Execute(func() (any, error) {
		return nil, r.pub.Publish(topic, qos, retained, body)
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Failed++
		r.log.Error("publish failed", "topic", topic, "err", err)
		return err
	}
	r.stats.Published++
	return nil
}

func (r *Relay) ZoneTopic(zone string) string {
	return r.cfg.TopicPrefix + "/zones/" + topicPart(zone)
}

func (r *Relay) AlertTopic(zone, sensorID string) string {
	return r.cfg.TopicPrefix + "/alerts/" + topicPart(zone) + "/" + topicPart(sensorID)
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// topicPart keeps MQTT wildcards and separators out of a topic level.
func topicPart(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(c rune) rune {
		switch c {
		case '/', '+', '#', ' ':
			return '_'
		}
		return c
	}, s)
}
