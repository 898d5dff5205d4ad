package store

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lockers (
	id              TEXT PRIMARY KEY,
	location        TEXT NOT NULL DEFAULT '',
	size            TEXT NOT NULL DEFAULT 'M',
	state           TEXT NOT NULL DEFAULT 'available',
	version         INTEGER NOT NULL DEFAULT 0,
	rental_id       TEXT NOT NULL DEFAULT '',
	battery         INTEGER,
	fault_reason    TEXT NOT NULL DEFAULT '',
	last_transition TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rentals (
	id              TEXT PRIMARY KEY,
	locker_id       TEXT NOT NULL,
	renter_id       TEXT NOT NULL,
	size            TEXT NOT NULL DEFAULT '',
	amount_reserved INTEGER NOT NULL DEFAULT 0,
	reservation_id  TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	requested_at    TEXT NOT NULL,
	unlocked_at     TEXT,
	released_at     TEXT,
	outcome         TEXT NOT NULL DEFAULT '',
	needs_review    INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rentals_locker ON rentals(locker_id);
CREATE INDEX IF NOT EXISTS idx_rentals_outcome ON rentals(outcome);

CREATE TABLE IF NOT EXISTS balances (
	renter_id TEXT PRIMARY KEY,
	balance   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	renter_id  TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_renter ON reservations(renter_id, status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	old_value   TEXT NOT NULL DEFAULT '',
	new_value   TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	msg_type   TEXT NOT NULL DEFAULT '',
	msg_key    TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	sent_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at, id);

CREATE TABLE IF NOT EXISTS incidents (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_type TEXT NOT NULL,
	locker_id     TEXT NOT NULL,
	rental_id     TEXT NOT NULL DEFAULT '',
	resolution    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	actor         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
)
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lockers (
	id              TEXT PRIMARY KEY,
	location        TEXT NOT NULL DEFAULT '',
	size            TEXT NOT NULL DEFAULT 'M',
	state           TEXT NOT NULL DEFAULT 'available',
	version         BIGINT NOT NULL DEFAULT 0,
	rental_id       TEXT NOT NULL DEFAULT '',
	battery         INTEGER,
	fault_reason    TEXT NOT NULL DEFAULT '',
	last_transition TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rentals (
	id              TEXT PRIMARY KEY,
	locker_id       TEXT NOT NULL,
	renter_id       TEXT NOT NULL,
	size            TEXT NOT NULL DEFAULT '',
	amount_reserved BIGINT NOT NULL DEFAULT 0,
	reservation_id  TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	requested_at    TEXT NOT NULL,
	unlocked_at     TEXT,
	released_at     TEXT,
	outcome         TEXT NOT NULL DEFAULT '',
	needs_review    INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_rentals_locker ON rentals(locker_id);
CREATE INDEX IF NOT EXISTS idx_rentals_outcome ON rentals(outcome);

CREATE TABLE IF NOT EXISTS balances (
	renter_id TEXT PRIMARY KEY,
	balance   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	renter_id  TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_renter ON reservations(renter_id, status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	old_value   TEXT NOT NULL DEFAULT '',
	new_value   TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	msg_type   TEXT NOT NULL DEFAULT '',
	msg_key    TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	sent_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at, id);

CREATE TABLE IF NOT EXISTS incidents (
	id            BIGSERIAL PRIMARY KEY,
	incident_type TEXT NOT NULL,
	locker_id     TEXT NOT NULL,
	rental_id     TEXT NOT NULL DEFAULT '',
	resolution    TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	actor         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
)
`
