package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"lockngo/config"
)

// Handler receives one inbound message. key is empty on MQTT.
type Handler func(topic, key string, payload []byte)

var ErrNotConnected = errors.New("messaging: not connected")

type backend interface {
	Connect() error
	Close()
	IsConnected() bool
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Subscribe(topic string, h Handler) error
}

type subscription struct {
	topic   string
	handler Handler
}

// Client is the broker connection shared by the device link, the status
// consumer and the outbox drainer.
type Client struct {
	mu   sync.RWMutex
	cfg  config.MessagingConfig
	be   backend
	subs []subscription
}

func NewClient(cfg *config.MessagingConfig) *Client {
	return &Client{cfg: *cfg, be: newBackend(cfg)}
}

func newBackend(cfg *config.MessagingConfig) backend {
	if cfg.Backend == "kafka" {
		return newKafkaBackend(cfg.Kafka)
	}
	return newMQTTBackend(cfg.MQTT)
}

func (c *Client) Connect() error {
	c.mu.RLock()
	be := c.be
	c.mu.RUnlock()
	return be.Connect()
}

func (c *Client) Close() {
	c.mu.RLock()
	be := c.be
	c.mu.RUnlock()
	be.Close()
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.be.IsConnected()
}

func (c *Client) Backend() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Backend
}

// Topics returns the topic layout for the current backend.
func (c *Client) Topics() Topics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Topics{Backend: c.cfg.Backend, Prefix: c.cfg.TopicPrefix}
}

func (c *Client) CommandFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.CommandFormat
}

func (c *Client) Publish(ctx context.Context, topic, key string, payload []byte) error {
	c.mu.RLock()
	be := c.be
	c.mu.RUnlock()
	return be.Publish(ctx, topic, key, payload)
}

// Subscribe registers h for topic. Subscriptions survive reconnects and
// reconfiguration.
func (c *Client) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, handler: h})
	be := c.be
	c.mu.Unlock()
	return be.Subscribe(topic, h)
}

// Reconfigure tears down the current connection and reconnects with cfg,
// restoring every subscription.
func (c *Client) Reconfigure(cfg *config.MessagingConfig) error {
	c.mu.Lock()
	old := c.be
	c.cfg = *cfg
	c.be = newBackend(cfg)
	be := c.be
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()

	old.Close()
	if err := be.Connect(); err != nil {
		return fmt.Errorf("reconnect %s: %w", cfg.Backend, err)
	}
	for _, s := range subs {
		if err := be.Subscribe(s.topic, s.handler); err != nil {
			log.Printf("messaging: resubscribe %s: %v", s.topic, err)
		}
	}
	return nil
}
