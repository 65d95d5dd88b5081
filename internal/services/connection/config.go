package connection

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/pkg/clock"
	"github.com/LeonardoBeccarini/sensordash/pkg/eventbus"
	"github.com/LeonardoBeccarini/sensordash/pkg/transport"
)

const (
	DefaultURL                  = "ws://localhost:8080"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultBufferSize           = 100
)

type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	InboundBuffer        int
	OutboundBuffer       int
}

func DefaultConfig() Config {
	return Config{
		URL:                  DefaultURL,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		InboundBuffer:        DefaultBufferSize,
		OutboundBuffer:       DefaultBufferSize,
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("server url %q: want ws:// or wss:// with a host", c.URL)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect interval must be positive, got %s", c.ReconnectInterval)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.InboundBuffer <= 0 || c.OutboundBuffer <= 0 {
		return fmt.Errorf("buffer capacities must be positive, got inbound=%d outbound=%d", c.InboundBuffer, c.OutboundBuffer)
	}
	return nil
}

// Deps carries the collaborators a Manager is built from. Zero fields get
// defaults: real clock, slog.Default, websocket dialer, a fresh bus, and
// no metrics registration.
type Deps struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	Dialer     transport.Dialer
	Bus        *eventbus.Bus[messages.Notification]
	Registerer prometheus.Registerer
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Dialer == nil {
		d.Dialer = transport.NewWebSocketDialer()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New[messages.Notification]()
	}
	return d
}
