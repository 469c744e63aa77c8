package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alpharoyale/backend/internal/domain"
)

// Postgres is the relational Gateway implementation used in production.
// It never composes ad-hoc writes outside these methods (spec §9).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pooled pgx connection to dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return domain.NewError(domain.KindStoreTransient, op, err)
}

func (p *Postgres) CurrentTick(ctx context.Context) (domain.GameState, error) {
	var gs domain.GameState
	row := p.pool.QueryRow(ctx, `SELECT current_tick, last_tick_at FROM game_state WHERE id = 1`)
	if err := row.Scan(&gs.CurrentTick, &gs.LastTickAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GameState{}, nil
		}
		return domain.GameState{}, transient("current_tick", err)
	}
	return gs, nil
}

func (p *Postgres) AdvanceTick(ctx context.Context, newTick int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO game_state (id, current_tick, last_tick_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET current_tick = $1, last_tick_at = now()`,
		newTick)
	return transient("advance_tick", err)
}

func (p *Postgres) InsertPrice(ctx context.Context, symbol string, price float64, tick int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO price_data (symbol, price, tick, timestamp)
		VALUES ($1, $2, $3, now())`, symbol, price, tick)
	return transient("insert_price", err)
}

func (p *Postgres) LatestPrice(ctx context.Context, symbol string) (domain.PriceData, bool, error) {
	var pd domain.PriceData
	row := p.pool.QueryRow(ctx, `
		SELECT symbol, price, tick, timestamp FROM price_data
		WHERE symbol = $1 ORDER BY timestamp DESC LIMIT 1`, symbol)
	if err := row.Scan(&pd.Symbol, &pd.Price, &pd.Tick, &pd.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PriceData{}, false, nil
		}
		return domain.PriceData{}, false, transient("latest_price", err)
	}
	return pd, true, nil
}

func (p *Postgres) ActiveGames(ctx context.Context) ([]domain.Game, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, player1_id, coalesce(player2_id,''), status, initial_balance,
		       duration_minutes, started_at, ended_at, coalesce(winner_id,''), created_at, updated_at
		FROM games WHERE status = 'active' AND started_at IS NOT NULL`)
	if err != nil {
		return nil, transient("active_games", err)
	}
	defer rows.Close()
	return scanGames(rows)
}

func (p *Postgres) GetGame(ctx context.Context, gameID string) (domain.Game, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, player1_id, coalesce(player2_id,''), status, initial_balance,
		       duration_minutes, started_at, ended_at, coalesce(winner_id,''), created_at, updated_at
		FROM games WHERE id = $1`, gameID)
	var g domain.Game
	if err := row.Scan(&g.ID, &g.Player1ID, &g.Player2ID, &g.Status, &g.InitialBalance,
		&g.DurationMinutes, &g.StartedAt, &g.EndedAt, &g.WinnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Game{}, false, nil
		}
		return domain.Game{}, false, transient("get_game", err)
	}
	return g, true, nil
}

func scanGames(rows pgx.Rows) ([]domain.Game, error) {
	var out []domain.Game
	for rows.Next() {
		var g domain.Game
		if err := rows.Scan(&g.ID, &g.Player1ID, &g.Player2ID, &g.Status, &g.InitialBalance,
			&g.DurationMinutes, &g.StartedAt, &g.EndedAt, &g.WinnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, transient("scan_game", err)
		}
		out = append(out, g)
	}
	return out, transient("rows", rows.Err())
}

func (p *Postgres) UpdateGameStatus(ctx context.Context, gameID string, status domain.GameStatus, endedAt *time.Time, winnerID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE games SET status = $2, ended_at = $3, winner_id = NULLIF($4, ''), updated_at = now()
		WHERE id = $1`, gameID, status, endedAt, winnerID)
	return transient("update_game_status", err)
}

func (p *Postgres) StartGame(ctx context.Context, gameID string, startedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE games SET status = 'active', started_at = $2, updated_at = now()
		WHERE id = $1 AND started_at IS NULL`, gameID, startedAt)
	return transient("start_game", err)
}

func (p *Postgres) PendingOrders(ctx context.Context, gameID string, orderType *domain.OrderType) ([]domain.Order, error) {
	var rows pgx.Rows
	var err error
	if orderType != nil {
		rows, err = p.pool.Query(ctx, `
			SELECT id, game_id, player_id, symbol, order_type, side, quantity, price,
			       trigger_price, position_id, status, filled_price, filled_at, created_at, updated_at
			FROM orders WHERE game_id = $1 AND status = 'pending' AND order_type = $2`, gameID, *orderType)
	} else {
		rows, err = p.pool.Query(ctx, `
			SELECT id, game_id, player_id, symbol, order_type, side, quantity, price,
			       trigger_price, position_id, status, filled_price, filled_at, created_at, updated_at
			FROM orders WHERE game_id = $1 AND status = 'pending'`, gameID)
	}
	if err != nil {
		return nil, transient("pending_orders", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.GameID, &o.PlayerID, &o.Symbol, &o.OrderType, &o.Side,
			&o.Quantity, &o.Price, &o.TriggerPrice, &o.PositionID, &o.Status, &o.FilledPrice,
			&o.FilledAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, transient("scan_order", err)
		}
		out = append(out, o)
	}
	return out, transient("rows", rows.Err())
}

func (p *Postgres) MarkOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledPrice *float64) error {
	var filledAtClause string
	if status == domain.OrderFilled {
		filledAtClause = "filled_at = now(),"
	}
	sql := fmt.Sprintf(`
		UPDATE orders SET status = $2, filled_price = $3, %s updated_at = now()
		WHERE id = $1 AND status = 'pending'`, filledAtClause)
	_, err := p.pool.Exec(ctx, sql, orderID, status, filledPrice)
	return transient("mark_order", err)
}

func (p *Postgres) InsertExecution(ctx context.Context, exec domain.OrderExecution) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO order_executions
			(id, order_id, game_id, player_id, symbol, side, quantity, price, tick, executed_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, now())`,
		exec.OrderID, exec.GameID, exec.PlayerID, exec.Symbol, exec.Side, exec.Quantity,
		exec.ExecutionPrice, exec.Tick)
	return transient("insert_execution", err)
}

func (p *Postgres) OpenPositions(ctx context.Context, gameID string) ([]domain.Position, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, game_id, player_id, symbol, side, quantity, entry_price, current_price,
		       leverage, unrealized_pnl, status, created_at, updated_at
		FROM positions WHERE game_id = $1 AND status = 'open'`, gameID)
	if err != nil {
		return nil, transient("open_positions", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var pos domain.Position
		if err := rows.Scan(&pos.ID, &pos.GameID, &pos.PlayerID, &pos.Symbol, &pos.Side,
			&pos.Quantity, &pos.EntryPrice, &pos.CurrentPrice, &pos.Leverage, &pos.UnrealizedPnL,
			&pos.Status, &pos.CreatedAt, &pos.UpdatedAt); err != nil {
			return nil, transient("scan_position", err)
		}
		out = append(out, pos)
	}
	return out, transient("rows", rows.Err())
}

func (p *Postgres) InsertPosition(ctx context.Context, pos domain.Position) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO positions
			(id, game_id, player_id, symbol, side, quantity, entry_price, current_price,
			 leverage, unrealized_pnl, status, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $6, $7, 0, 'open', now(), now())`,
		pos.GameID, pos.PlayerID, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.Leverage)
	return transient("insert_position", err)
}

func (p *Postgres) UpdatePosition(ctx context.Context, id string, patch PositionPatch) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE positions SET
			status = COALESCE($2, status),
			current_price = COALESCE($3, current_price),
			unrealized_pnl = COALESCE($4, unrealized_pnl),
			quantity = COALESCE($5, quantity),
			entry_price = COALESCE($6, entry_price),
			updated_at = now()
		WHERE id = $1`,
		id, patch.Status, patch.CurrentPrice, patch.UnrealizedPnL, patch.Quantity, patch.EntryPrice)
	return transient("update_position", err)
}

func (p *Postgres) Players(ctx context.Context, gameID string, userID *string) ([]domain.GamePlayer, error) {
	var rows pgx.Rows
	var err error
	if userID != nil {
		rows, err = p.pool.Query(ctx, `
			SELECT game_id, user_id, balance, equity, updated_at FROM game_players
			WHERE game_id = $1 AND user_id = $2`, gameID, *userID)
	} else {
		rows, err = p.pool.Query(ctx, `
			SELECT game_id, user_id, balance, equity, updated_at FROM game_players
			WHERE game_id = $1`, gameID)
	}
	if err != nil {
		return nil, transient("players", err)
	}
	defer rows.Close()

	var out []domain.GamePlayer
	for rows.Next() {
		var gp domain.GamePlayer
		if err := rows.Scan(&gp.GameID, &gp.UserID, &gp.Balance, &gp.Equity, &gp.UpdatedAt); err != nil {
			return nil, transient("scan_player", err)
		}
		out = append(out, gp)
	}
	return out, transient("rows", rows.Err())
}

func (p *Postgres) UpdatePlayer(ctx context.Context, gameID, userID string, balance, equity float64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE game_players SET balance = $3, equity = $4, updated_at = now()
		WHERE game_id = $1 AND user_id = $2`, gameID, userID, balance, equity)
	return transient("update_player", err)
}

func (p *Postgres) UpdatePlayerEquity(ctx context.Context, gameID, userID string, equity float64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE game_players SET equity = $3, updated_at = now()
		WHERE game_id = $1 AND user_id = $2`, gameID, userID, equity)
	return transient("update_player_equity", err)
}

func (p *Postgres) InsertEquityHistory(ctx context.Context, row domain.EquityHistory) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO equity_history (game_id, player_id, tick, balance, equity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (game_id, player_id, tick) DO NOTHING`,
		row.GameID, row.PlayerID, row.Tick, row.Balance, row.Equity)
	return transient("insert_equity_history", err)
}

var _ Gateway = (*Postgres)(nil)
