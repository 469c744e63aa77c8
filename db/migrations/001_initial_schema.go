package migrations

import (
	"database/sql"
)

func init() {
	RegisterMigration(&Migration{
		Version: 1,
		Name:    "initial_schema",
		Up:      initialSchemaUp,
		Down:    initialSchemaDown,
	})
}

func initialSchemaUp(tx *sql.Tx) error {
	schema := `
	-- Singleton row carrying the global tick counter advanced by the
	-- tick driver. A fixed id keeps every process reading/advancing the
	-- same row.
	CREATE TABLE IF NOT EXISTS game_state (
		id INT PRIMARY KEY DEFAULT 1,
		current_tick BIGINT NOT NULL DEFAULT 0,
		last_tick_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (id = 1)
	);

	INSERT INTO game_state (id, current_tick) VALUES (1, 0)
	ON CONFLICT (id) DO NOTHING;

	-- Matches between two players.
	CREATE TABLE IF NOT EXISTS games (
		id VARCHAR(255) PRIMARY KEY,
		player1_id VARCHAR(255) NOT NULL,
		player2_id VARCHAR(255) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'waiting',
		initial_balance DECIMAL(20, 5) NOT NULL,
		duration_minutes INT NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		winner_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_games_status ON games(status);

	-- Per-player balance/equity within a game.
	CREATE TABLE IF NOT EXISTS game_players (
		game_id VARCHAR(255) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		balance DECIMAL(20, 5) NOT NULL,
		equity DECIMAL(20, 5) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (game_id, user_id)
	);

	-- At most one open position per (game, player, symbol): I1.
	CREATE TABLE IF NOT EXISTS positions (
		id VARCHAR(255) PRIMARY KEY,
		game_id VARCHAR(255) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		player_id VARCHAR(255) NOT NULL,
		symbol VARCHAR(50) NOT NULL,
		side VARCHAR(10) NOT NULL CHECK (side IN ('BUY', 'SELL')),
		quantity DECIMAL(20, 8) NOT NULL,
		entry_price DECIMAL(20, 10) NOT NULL,
		current_price DECIMAL(20, 10) NOT NULL,
		leverage INT NOT NULL DEFAULT 1,
		unrealized_pnl DECIMAL(20, 5) NOT NULL DEFAULT 0,
		status VARCHAR(50) NOT NULL DEFAULT 'open',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX idx_positions_open_slot
		ON positions(game_id, player_id, symbol) WHERE status = 'open';
	CREATE INDEX idx_positions_game_status ON positions(game_id, status);

	-- MARKET/LIMIT entries and conditional TP/SL exits, all run through
	-- the same ordered-phase pipeline.
	CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(255) PRIMARY KEY,
		game_id VARCHAR(255) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		player_id VARCHAR(255) NOT NULL,
		symbol VARCHAR(50) NOT NULL,
		order_type VARCHAR(50) NOT NULL CHECK (order_type IN ('MARKET', 'LIMIT', 'TAKE_PROFIT', 'STOP_LOSS')),
		side VARCHAR(10) NOT NULL CHECK (side IN ('BUY', 'SELL')),
		quantity DECIMAL(20, 8),
		price DECIMAL(20, 10),
		trigger_price DECIMAL(20, 10),
		position_id VARCHAR(255) REFERENCES positions(id) ON DELETE SET NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		filled_price DECIMAL(20, 10),
		filled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_orders_game_status ON orders(game_id, status);
	CREATE INDEX idx_orders_position_id ON orders(position_id);

	-- One row per fill, the audit trail behind every position change.
	CREATE TABLE IF NOT EXISTS order_executions (
		id VARCHAR(255) PRIMARY KEY,
		order_id VARCHAR(255) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		game_id VARCHAR(255) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		player_id VARCHAR(255) NOT NULL,
		symbol VARCHAR(50) NOT NULL,
		side VARCHAR(10) NOT NULL,
		quantity DECIMAL(20, 8) NOT NULL,
		price DECIMAL(20, 10) NOT NULL,
		tick BIGINT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_order_executions_order_id ON order_executions(order_id);
	CREATE INDEX idx_order_executions_game_id ON order_executions(game_id);

	-- Canonical-symbol price history, the only source mark-to-market
	-- reads from (I5: inserts precede advance_tick).
	CREATE TABLE IF NOT EXISTS price_data (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(50) NOT NULL,
		price DECIMAL(20, 10) NOT NULL,
		tick BIGINT NOT NULL,
		"timestamp" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_price_data_symbol_timestamp ON price_data(symbol, "timestamp" DESC);
	CREATE UNIQUE INDEX idx_price_data_symbol_tick ON price_data(symbol, tick);

	-- Per-tick equity snapshots driving the leaderboard and post-match
	-- charts; idempotent per (game, player, tick).
	CREATE TABLE IF NOT EXISTS equity_history (
		id BIGSERIAL PRIMARY KEY,
		game_id VARCHAR(255) NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		player_id VARCHAR(255) NOT NULL,
		tick BIGINT NOT NULL,
		balance DECIMAL(20, 5) NOT NULL,
		equity DECIMAL(20, 5) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX idx_equity_history_game_player_tick
		ON equity_history(game_id, player_id, tick);
	CREATE INDEX idx_equity_history_game_player ON equity_history(game_id, player_id);
	`

	_, err := tx.Exec(schema)
	return err
}

func initialSchemaDown(tx *sql.Tx) error {
	dropTables := `
	DROP TABLE IF EXISTS equity_history;
	DROP TABLE IF EXISTS price_data;
	DROP TABLE IF EXISTS order_executions;
	DROP TABLE IF EXISTS orders;
	DROP TABLE IF EXISTS positions;
	DROP TABLE IF EXISTS game_players;
	DROP TABLE IF EXISTS games;
	DROP TABLE IF EXISTS game_state;
	`

	_, err := tx.Exec(dropTables)
	return err
}
