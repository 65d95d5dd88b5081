// Package config loads the dashboard settings. Values are layered:
// built-in defaults, then an optional YAML file, then environment
// variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/internal/services/persistence"
	"github.com/LeonardoBeccarini/sensordash/internal/services/relay"
	"github.com/LeonardoBeccarini/sensordash/pkg/mqtt"
)

// EnvConfigFile names the variable holding the YAML file path.
const EnvConfigFile = "DASH_CONFIG"

type Config struct {
	ServerURL            string        `yaml:"server_url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	InboundBuffer        int           `yaml:"inbound_buffer"`
	OutboundBuffer       int           `yaml:"outbound_buffer"`

	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Influx InfluxConfig `yaml:"influx"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// InfluxConfig is the archive target. An empty URL disables archiving.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// MQTTConfig is the relay broker. An empty host disables the relay.
type MQTTConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	ClientID        string        `yaml:"client_id"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

func Default() Config {
	return Config{
		ServerURL:            connection.DefaultURL,
		HeartbeatInterval:    connection.DefaultHeartbeatInterval,
		ReconnectInterval:    connection.DefaultReconnectInterval,
		MaxReconnectAttempts: connection.DefaultMaxReconnectAttempts,
		InboundBuffer:        connection.DefaultBufferSize,
		OutboundBuffer:       connection.DefaultBufferSize,
		HTTPAddr:             ":8090",
		GRPCAddr:             ":9090",
		SweepInterval:        time.Hour,
		LogLevel:             "info",
		LogFormat:            "text",
		Influx:               InfluxConfig{Org: "sensordash", Bucket: "telemetria"},
		MQTT: MQTTConfig{
			Port:            1883,
			TopicPrefix:     relay.DefaultTopicPrefix,
			PublishInterval: relay.DefaultInterval,
		},
	}
}

// Load applies the file at path (skipped when empty) and then the
// environment on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg. Keys missing from
// the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Connection().Validate(); err != nil {
		return err
	}
	if c.HTTPAddr == "" {
		return errors.New("http addr is required")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: want text or json", c.LogFormat)
	}
	if c.Influx.URL != "" {
		if u, err := url.Parse(c.Influx.URL); err != nil || u.Host == "" {
			return fmt.Errorf("influx url %q is not valid", c.Influx.URL)
		}
	}
	if err := c.Archive().Validate(); err != nil {
		return err
	}
	if c.MQTT.Host != "" {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
		}
		if c.MQTT.PublishInterval <= 0 {
			return fmt.Errorf("mqtt publish interval must be positive, got %s", c.MQTT.PublishInterval)
		}
	}
	return nil
}

func (c Config) Connection() connection.Config {
	return connection.Config{
		URL:                  c.ServerURL,
		HeartbeatInterval:    c.HeartbeatInterval,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		InboundBuffer:        c.InboundBuffer,
		OutboundBuffer:       c.OutboundBuffer,
	}
}

func (c Config) Archive() persistence.InfluxConfig {
	return persistence.InfluxConfig{URL: c.Influx.URL, Token: c.Influx.Token, Org: c.Influx.Org, Bucket: c.Influx.Bucket}
}

func (c Config) Broker() mqtt.Config {
	return mqtt.Config{
		Host:     c.MQTT.Host,
		Port:     c.MQTT.Port,
		User:     c.MQTT.User,
		Password: c.MQTT.Password,
		ClientID: c.MQTT.ClientID,
	}
}

func (c Config) Relay() relay.Config {
	return relay.Config{TopicPrefix: c.MQTT.TopicPrefix, Interval: c.MQTT.PublishInterval}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return l, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}
