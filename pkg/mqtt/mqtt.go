package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	// ConnectRetries bounds the initial connect attempts.
	ConnectRetries int
	ConnectTimeout time.Duration
}

func (c Config) broker() string { return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port) }

// NewConn connects to the broker, retrying with exponential backoff. The
// client is disconnected when ctx is done.
func NewConn(ctx context.Context, cfg Config, logger *slog.Logger) (paho.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("mqtt: empty host")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensordash-" + uuid.NewString()[:8]
	}
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 5
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.broker())
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.broker(), "err", err)
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client paho.Client
	err := backoff.Retry(func() error {
		client = paho.NewClient(opts)
		tok := client.Connect()
		if !tok.WaitTimeout(timeout) {
			return fmt.Errorf("connect timeout after %s", timeout)
		}
		if err := tok.Error(); err != nil {
			logger.Warn("mqtt connect failed", "broker", cfg.broker(), "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.broker(), err)
	}
	logger.Info("mqtt connected", "broker", cfg.broker(), "client_id", cfg.ClientID)

	go func() {
		<-ctx.Done()
		Close(client)
		logger.Info("mqtt connection closed", "broker", cfg.broker())
	}()
	return client, nil
}

func Close(client paho.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
