package store

// Schema migrations. Statements are idempotent so they run on every open.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		email          TEXT NOT NULL,
		username       TEXT NOT NULL UNIQUE,
		password_hash  TEXT NOT NULL,
		api_key        TEXT UNIQUE,
		key_generation INTEGER NOT NULL DEFAULT 0,
		is_active      INTEGER NOT NULL DEFAULT 1,
		is_master      INTEGER NOT NULL DEFAULT 0,
		is_online      INTEGER NOT NULL DEFAULT 0,
		last_login_ip  TEXT,
		last_seen      INTEGER,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_lower ON users (lower(email))`,

	`CREATE TABLE IF NOT EXISTS trades (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ticket         TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		side           TEXT NOT NULL,
		volume         TEXT NOT NULL,
		open_price     TEXT NOT NULL,
		current_price  TEXT NOT NULL,
		close_price    TEXT,
		sl             TEXT,
		tp             TEXT,
		unrealized_pnl TEXT NOT NULL,
		realized_pnl   TEXT,
		open_time      INTEGER NOT NULL,
		close_time     INTEGER,
		status         TEXT NOT NULL,
		UNIQUE (user_id, ticket)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_status ON trades (user_id, status)`,

	`CREATE TABLE IF NOT EXISTS mt5_connections (
		user_id      INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		login        INTEGER NOT NULL DEFAULT 0,
		server       TEXT NOT NULL DEFAULT '',
		company      TEXT NOT NULL DEFAULT '',
		currency     TEXT NOT NULL DEFAULT '',
		balance      TEXT NOT NULL DEFAULT '0',
		equity       TEXT NOT NULL DEFAULT '0',
		margin       TEXT NOT NULL DEFAULT '0',
		free_margin  TEXT NOT NULL DEFAULT '0',
		margin_level TEXT NOT NULL DEFAULT '0',
		leverage     INTEGER NOT NULL DEFAULT 0,
		profit       TEXT NOT NULL DEFAULT '0',
		is_connected INTEGER NOT NULL DEFAULT 0,
		last_sync    INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS follows (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		follower_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		master_id          INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		copy_percentage    TEXT NOT NULL,
		max_risk_per_trade TEXT NOT NULL,
		is_active          INTEGER NOT NULL DEFAULT 1,
		created_at         INTEGER NOT NULL,
		UNIQUE (follower_id, master_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_master_active ON follows (master_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS copy_trades (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		follow_id         INTEGER NOT NULL REFERENCES follows(id) ON DELETE CASCADE,
		master_trade_id   INTEGER NOT NULL,
		follower_trade_id INTEGER,
		master_ticket     TEXT NOT NULL,
		follower_ticket   TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		master_volume     TEXT NOT NULL,
		follower_volume   TEXT NOT NULL,
		copy_ratio        TEXT NOT NULL,
		copy_hash         TEXT NOT NULL,
		status            TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		retry_count       INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		executed_at       INTEGER,
		closed_at         INTEGER,
		UNIQUE (follow_id, copy_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_copy_trades_follow_status ON copy_trades (follow_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_copy_trades_master_ticket ON copy_trades (master_ticket, status)`,
}
