package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers the command-line overrides on fs. Defaults shown in
// help come from Default(); only flags the user sets are applied.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML config file (or $"+EnvConfigFile+")")
	fs.String("server-url", d.ServerURL, "telemetry server websocket url")
	fs.Duration("heartbeat-interval", d.HeartbeatInterval, "ping interval while connected")
	fs.Duration("reconnect-interval", d.ReconnectInterval, "base reconnect delay, doubled per attempt")
	fs.Int("max-reconnect-attempts", d.MaxReconnectAttempts, "reconnect attempts before giving up")
	fs.Int("inbound-buffer", d.InboundBuffer, "received events kept for inspection")
	fs.Int("outbound-buffer", d.OutboundBuffer, "commands buffered while offline")
	fs.String("http-addr", d.HTTPAddr, "dashboard HTTP listen address")
	fs.String("grpc-addr", d.GRPCAddr, "gRPC listen address, empty disables")
	fs.StringSlice("allowed-origin", nil, "CORS allowed origin, repeatable")
	fs.Duration("sweep-interval", d.SweepInterval, "retention sweep period, 0 disables")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
	fs.String("influx-url", "", "InfluxDB url, empty disables archiving")
	fs.String("mqtt-host", "", "MQTT broker host, empty disables the relay")
	fs.Int("mqtt-port", d.MQTT.Port, "MQTT broker port")
	fs.String("mqtt-topic-prefix", d.MQTT.TopicPrefix, "MQTT topic prefix")
}

// ApplyFlags copies every flag changed on the command line into cfg.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "server-url":
			cfg.ServerURL, err = fs.GetString(f.Name)
		case "heartbeat-interval":
			cfg.HeartbeatInterval, err = fs.GetDuration(f.Name)
		case "reconnect-interval":
			cfg.ReconnectInterval, err = fs.GetDuration(f.Name)
		case "max-reconnect-attempts":
			cfg.MaxReconnectAttempts, err = fs.GetInt(f.Name)
		case "inbound-buffer":
			cfg.InboundBuffer, err = fs.GetInt(f.Name)
		case "outbound-buffer":
			cfg.OutboundBuffer, err = fs.GetInt(f.Name)
		case "http-addr":
			cfg.HTTPAddr, err = fs.GetString(f.Name)
		case "grpc-addr":
			cfg.GRPCAddr, err = fs.GetString(f.Name)
		case "allowed-origin":
			cfg.AllowedOrigins, err = fs.GetStringSlice(f.Name)
		case "sweep-interval":
			cfg.SweepInterval, err = fs.GetDuration(f.Name)
		case "log-level":
			cfg.LogLevel, err = fs.GetString(f.Name)
		case "log-format":
			cfg.LogFormat, err = fs.GetString(f.Name)
		case "influx-url":
			cfg.Influx.URL, err = fs.GetString(f.Name)
		case "mqtt-host":
			cfg.MQTT.Host, err = fs.GetString(f.Name)
		case "mqtt-port":
			cfg.MQTT.Port, err = fs.GetInt(f.Name)
		case "mqtt-topic-prefix":
			cfg.MQTT.TopicPrefix, err = fs.GetString(f.Name)
		}
	})
	return err
}

// Resolve is the full layering for a parsed flag set.
func Resolve(fs *pflag.FlagSet) (Config, error) {
	path, _ := fs.GetString("config")
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := ApplyFlags(fs, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
