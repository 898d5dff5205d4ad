package messaging

import (
	"log"
)

// StatusHandler receives raw device statuses.
type StatusHandler interface {
	HandleDeviceStatus(lockerID string, payload []byte) error
}

// Subscriber is the inbound half of a Client.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
}

// Consumer feeds device status messages into the rental workflows.
type Consumer struct {
	sub     Subscriber
	topics  Topics
	handler StatusHandler
}

func NewConsumer(client *Client, handler StatusHandler) *Consumer {
	return &Consumer{sub: client, topics: client.Topics(), handler: handler}
}

func (c *Consumer) Start() error {
	topic := c.topics.StatusSubscription()
	if err := c.sub.Subscribe(topic, c.handle); err != nil {
		return err
	}
	log.Printf("messaging: consuming device status on %s", topic)
	return nil
}

func (c *Consumer) handle(topic, key string, payload []byte) {
	id, ok := c.topics.LockerFromStatus(topic, key)
	if !ok {
		log.Printf("messaging: status on unexpected topic %q (key %q) dropped", topic, key)
		return
	}
	// Errors are already logged by the handler.
	_ = c.handler.HandleDeviceStatus(id, payload)
}
