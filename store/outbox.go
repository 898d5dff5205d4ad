package store

import (
	"database/sql"
	"time"
)

type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	MsgType   string
	Key       string
	Attempts  int
	CreatedAt time.Time
}

// EnqueueOutbox records a message for the drainer to publish.
func (db *DB) EnqueueOutbox(topic string, payload []byte, msgType, key string) error {
	_, err := db.Exec(db.Q(`INSERT INTO outbox (topic, payload, msg_type, msg_key, created_at) VALUES (?, ?, ?, ?, ?)`),
		topic, payload, msgType, key, now())
	return err
}

// ListPendingOutbox returns unsent messages in insertion order.
func (db *DB) ListPendingOutbox(limit int) ([]*OutboxMessage, error) {
	rows, err := db.Query(db.Q(`SELECT id, topic, payload, msg_type, msg_key, attempts, created_at FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.MsgType, &m.Key, &m.Attempts, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (db *DB) MarkOutboxSent(id int64) error {
	_, err := db.Exec(db.Q(`UPDATE outbox SET sent_at=? WHERE id=?`), now(), id)
	return err
}

func (db *DB) IncrementOutboxAttempts(id int64) error {
	_, err := db.Exec(db.Q(`UPDATE outbox SET attempts = attempts + 1 WHERE id=?`), id)
	return err
}

// PurgeSentOutbox removes messages sent before the cutoff.
func (db *DB) PurgeSentOutbox(before time.Time) (int64, error) {
	res, err := db.Exec(db.Q(`DELETE FROM outbox WHERE sent_at IS NOT NULL AND sent_at < ?`), formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) CountPendingOutbox() (int, error) {
	var n sql.NullInt64
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&n)
	return int(n.Int64), err
}
