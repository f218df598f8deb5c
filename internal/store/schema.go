package store

// Timestamps are unix seconds in BIGINT columns so the same DDL runs on SQLite and Postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		closed_at     BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		user_id           TEXT PRIMARY KEY,
		tier              TEXT NOT NULL DEFAULT 'free',
		quota_remaining   INTEGER NOT NULL DEFAULT 0,
		quota_used        INTEGER NOT NULL DEFAULT 0,
		quota_reset_at    BIGINT NOT NULL,
		epoch             INTEGER NOT NULL DEFAULT 0,
		payment_reference TEXT NOT NULL DEFAULT '',
		closed_at         BIGINT,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		epoch      INTEGER NOT NULL,
		metered    INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_user_id ON reservations(user_id)`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		event_id    TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		tier        TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		event_type  TEXT NOT NULL DEFAULT '',
		reference   TEXT NOT NULL DEFAULT '',
		received_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_events_user_id ON payment_events(user_id)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		topic        TEXT NOT NULL,
		filename     TEXT NOT NULL,
		content_type TEXT NOT NULL,
		slide_count  INTEGER NOT NULL,
		size_bytes   BIGINT NOT NULL,
		created_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_user_id ON artifacts(user_id)`,
}
