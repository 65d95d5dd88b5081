package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := envStr(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("30s") or a bare number of
// milliseconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := envStr(key, "")
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return d, nil
}

func envList(key string, def []string) []string {
	v := envStr(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyEnv overlays DASH_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var err error
	cfg.ServerURL = envStr("DASH_SERVER_URL", cfg.ServerURL)
	if cfg.HeartbeatInterval, err = envDuration("DASH_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return err
	}
	if cfg.ReconnectInterval, err = envDuration("DASH_RECONNECT_INTERVAL", cfg.ReconnectInterval); err != nil {
		return err
	}
	if cfg.MaxReconnectAttempts, err = envInt("DASH_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts); err != nil {
		return err
	}
	if cfg.InboundBuffer, err = envInt("DASH_INBOUND_BUFFER", cfg.InboundBuffer); err != nil {
		return err
	}
	if cfg.OutboundBuffer, err = envInt("DASH_OUTBOUND_BUFFER", cfg.OutboundBuffer); err != nil {
		return err
	}
	cfg.HTTPAddr = envStr("DASH_HTTP_ADDR", cfg.HTTPAddr)
	if v, ok := os.LookupEnv("DASH_GRPC_ADDR"); ok {
		cfg.GRPCAddr = strings.TrimSpace(v)
	}
	cfg.AllowedOrigins = envList("DASH_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	if cfg.SweepInterval, err = envDuration("DASH_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return err
	}
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envStr("LOG_FORMAT", cfg.LogFormat)

	cfg.Influx.URL = envStr("INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = envStr("INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = envStr("INFLUX_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = envStr("INFLUX_BUCKET", cfg.Influx.Bucket)

	cfg.MQTT.Host = envStr("MQTT_HOST", cfg.MQTT.Host)
	if cfg.MQTT.Port, err = envInt("MQTT_PORT", cfg.MQTT.Port); err != nil {
		return err
	}
	cfg.MQTT.User = envStr("MQTT_USER", cfg.MQTT.User)
	cfg.MQTT.Password = envStr("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.ClientID = envStr("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.TopicPrefix = envStr("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)
	if cfg.MQTT.PublishInterval, err = envDuration("MQTT_PUBLISH_INTERVAL", cfg.MQTT.PublishInterval); err != nil {
		return err
	}
	return nil
}
