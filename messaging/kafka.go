package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"lockngo/config"
)

type kafkaBackend struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer

	mu        sync.Mutex
	connected bool
	readers   []*kafka.Reader
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newKafkaBackend(cfg config.KafkaConfig) *kafkaBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &kafkaBackend{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect checks that at least one broker is reachable. The writer and
// readers dial lazily on their own.
func (b *kafkaBackend) Connect() error {
	if len(b.cfg.Brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	var lastErr error
	for _, addr := range b.cfg.Brokers {
		ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		b.mu.Lock()
		b.connected = true
		b.mu.Unlock()
		return nil
	}
	return fmt.Errorf("kafka connect: %w", lastErr)
}

func (b *kafkaBackend) Close() {
	b.cancel()
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.connected = false
	b.mu.Unlock()
	for _, r := range readers {
		r.Close()
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		log.Printf("messaging: kafka writer close: %v", err)
	}
}

func (b *kafkaBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *kafkaBackend) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	b.mu.Lock()
	b.connected = err == nil
	b.mu.Unlock()
	return err
}

// Subscribe starts one consumer-group reader for topic.
func (b *kafkaBackend) Subscribe(topic string, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.cfg.Brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			m, err := r.ReadMessage(b.ctx)
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				log.Printf("messaging: kafka read %s: %v", topic, err)
				time.Sleep(time.Second)
				continue
			}
			h(m.Topic, string(m.Key), m.Value)
		}
	}()
	return nil
}
