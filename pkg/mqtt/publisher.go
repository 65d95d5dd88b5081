package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends raw payloads to arbitrary topics.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type ClientPublisher struct {
	client  paho.Client
	timeout time.Duration
}

func NewPublisher(client paho.Client, timeout time.Duration) *ClientPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ClientPublisher{client: client, timeout: timeout}
}

func (p *ClientPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt: publish %s: not connected", topic)
	}
	tok := p.client.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (p *ClientPublisher) Close() { Close(p.client) }
