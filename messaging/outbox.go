package messaging

import (
	"context"
	"log"
	"sync"
	"time"

	"lockngo/store"
)

// OutboxStore is the slice of store.DB the drainer needs.
type OutboxStore interface {
	ListPendingOutbox(limit int) ([]*store.OutboxMessage, error)
	MarkOutboxSent(id int64) error
	IncrementOutboxAttempts(id int64) error
	PurgeSentOutbox(before time.Time) (int64, error)
}

const (
	outboxRetention   = 24 * time.Hour
	outboxPurgeEvery  = time.Hour
	outboxSendTimeout = 5 * time.Second
)

// OutboxDrainer publishes queued outbox rows in insertion order.
type OutboxDrainer struct {
	db       OutboxStore
	pub      Publisher
	interval time.Duration
	batch    int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewOutboxDrainer(db OutboxStore, pub Publisher, interval time.Duration, batch int) *OutboxDrainer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxDrainer{
		db:       db,
		pub:      pub,
		interval: interval,
		batch:    batch,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *OutboxDrainer) Start() {
	go d.loop()
}

func (d *OutboxDrainer) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *OutboxDrainer) loop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	purge := time.NewTicker(outboxPurgeEvery)
	defer purge.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.Drain(context.Background())
		case <-purge.C:
			if n, err := d.db.PurgeSentOutbox(time.Now().Add(-outboxRetention)); err != nil {
				log.Printf("outbox: purge: %v", err)
			} else if n > 0 {
				log.Printf("outbox: purged %d sent messages", n)
			}
		}
	}
}

// Drain publishes one batch and returns how many rows were sent. It stops at
// the first failed publish so per-locker order holds across retries.
func (d *OutboxDrainer) Drain(ctx context.Context) int {
	msgs, err := d.db.ListPendingOutbox(d.batch)
	if err != nil {
		log.Printf("outbox: list pending: %v", err)
		return 0
	}
	sent := 0
	for _, m := range msgs {
		pctx, cancel := context.WithTimeout(ctx, outboxSendTimeout)
		err := d.pub.Publish(pctx, m.Topic, m.Key, m.Payload)
		cancel()
		if err != nil {
			if ierr := d.db.IncrementOutboxAttempts(m.ID); ierr != nil {
				log.Printf("outbox: bump attempts %d: %v", m.ID, ierr)
			}
			if m.Attempts == 0 || m.Attempts%10 == 9 {
				log.Printf("outbox: publish %d (%s) failed: %v", m.ID, m.MsgType, err)
			}
			break
		}
		if err := d.db.MarkOutboxSent(m.ID); err != nil {
			log.Printf("outbox: mark sent %d: %v", m.ID, err)
			break
		}
		sent++
	}
	return sent
}
