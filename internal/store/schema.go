package store

// Schema creates the durable tables. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS vaults (
		user_id          TEXT PRIMARY KEY,
		balance          NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
		wins             INTEGER NOT NULL DEFAULT 0,
		losses           INTEGER NOT NULL DEFAULT 0,
		draws            INTEGER NOT NULL DEFAULT 0,
		last_predict_at  TIMESTAMPTZ,
		last_check_in_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS predict_positions (
		id          UUID PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES vaults(user_id),
		market      TEXT NOT NULL,
		exchange    TEXT NOT NULL,
		side        TEXT NOT NULL CHECK (side IN ('long', 'short')),
		entry_price NUMERIC NOT NULL,
		deposit     NUMERIC NOT NULL CHECK (deposit > 0),
		leverage    INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		settled_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS predict_positions_one_open
		ON predict_positions (user_id) WHERE settled_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS predict_positions_overdue
		ON predict_positions (finished_at) WHERE settled_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS predict_logs (
		id          UUID PRIMARY KEY,
		position_id UUID NOT NULL UNIQUE REFERENCES predict_positions(id),
		user_id     TEXT NOT NULL,
		market      TEXT NOT NULL,
		exchange    TEXT NOT NULL,
		side        TEXT NOT NULL,
		leverage    INTEGER NOT NULL,
		deposit     NUMERIC NOT NULL,
		entry_price NUMERIC NOT NULL,
		close_price NUMERIC NOT NULL,
		profit      NUMERIC NOT NULL,
		outcome     TEXT NOT NULL,
		liquidated  BOOLEAN NOT NULL,
		entered_at  TIMESTAMPTZ NOT NULL,
		exited_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS predict_logs_user ON predict_logs (user_id, exited_at DESC)`,
}
