package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lockngo/config"
)

type mqttBackend struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler
}

func newMQTTBackend(cfg config.MQTTConfig) *mqttBackend {
	b := &mqttBackend{cfg: cfg, subs: make(map[string]Handler)}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("messaging: mqtt connection lost: %v", err)
		})
	b.client = mqtt.NewClient(opts)
	return b
}

func (b *mqttBackend) Connect() error {
	tok := b.client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect %s: timed out", b.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, err)
	}
	return nil
}

// onConnect restores subscriptions after every (re)connect; the broker drops
// them with a clean session.
func (b *mqttBackend) onConnect(c mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for t, h := range b.subs {
		subs[t] = h
	}
	b.mu.Unlock()
	for topic, h := range subs {
		if err := b.subscribe(topic, h); err != nil {
			log.Printf("messaging: mqtt resubscribe %s: %v", topic, err)
		}
	}
	log.Printf("messaging: mqtt connected (%s)", b.cfg.Broker)
}

func (b *mqttBackend) Close() {
	b.client.Disconnect(250)
}

func (b *mqttBackend) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

func (b *mqttBackend) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := b.client.Publish(topic, b.cfg.QoS, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *mqttBackend) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()
	if !b.client.IsConnectionOpen() {
		// Picked up by onConnect.
		return nil
	}
	return b.subscribe(topic, h)
}

func (b *mqttBackend) subscribe(topic string, h Handler) error {
	tok := b.client.Subscribe(topic, b.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), "", m.Payload())
	})
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt subscribe " + topic + ": timed out")
	}
	return tok.Error()
}
