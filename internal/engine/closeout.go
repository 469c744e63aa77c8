package engine

import (
	"context"
	"time"

	"github.com/alpharoyale/backend/internal/domain"
	"github.com/alpharoyale/backend/internal/store"
)

// CloseOut implements spec §4.5: end-of-duration forced conversion of a
// game to a terminal state. Called by the Global Tick Driver instead of
// RunTick once a game's duration has elapsed.
func (e *Engine) CloseOut(ctx context.Context, gameID string, now time.Time) error {
	if err := e.rejectPendingOrders(ctx, gameID); err != nil {
		return err
	}

	finalBalances, err := e.closeAllPositions(ctx, gameID)
	if err != nil {
		return err
	}

	players, err := e.store.Players(ctx, gameID, nil)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "players", err)
	}

	var winnerID string
	var best float64
	for i, player := range players {
		balance := player.Balance
		if b, ok := finalBalances[player.UserID]; ok {
			balance = b
		}
		equity := balance // no open positions remain after close-out
		if err := e.store.UpdatePlayer(ctx, gameID, player.UserID, balance, equity); err != nil {
			return domain.NewError(domain.KindStoreTransient, "update_player", err)
		}
		if i == 0 || equity > best {
			best = equity
			winnerID = player.UserID
		}
	}

	endedAt := now
	if err := withTransientWrap(e.store.UpdateGameStatus(ctx, gameID, domain.GameCompleted, &endedAt, winnerID)); err != nil {
		return err
	}
	e.publish("game_status", gameID, "", 0, map[string]string{
		"status": string(domain.GameCompleted), "winner_id": winnerID,
	})
	return nil
}

func withTransientWrap(err error) error {
	if err == nil {
		return nil
	}
	return domain.NewError(domain.KindStoreTransient, "update_game_status", err)
}

// rejectPendingOrders is close-out step 1.
func (e *Engine) rejectPendingOrders(ctx context.Context, gameID string) error {
	orders, err := e.store.PendingOrders(ctx, gameID, nil)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "pending_orders", err)
	}
	for _, order := range orders {
		if err := e.store.MarkOrder(ctx, order.ID, domain.OrderRejected, nil); err != nil {
			return domain.NewError(domain.KindStoreTransient, "mark_order", err)
		}
	}
	return nil
}

// closeAllPositions is close-out steps 2-3: every open position is closed
// at its best-known price and the proceeds credited to cash. Returns the
// resulting balance per player so callers don't re-read stale rows.
func (e *Engine) closeAllPositions(ctx context.Context, gameID string) (map[string]float64, error) {
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}

	balances := make(map[string]float64)
	for _, pos := range positions {
		if _, ok := balances[pos.PlayerID]; !ok {
			player, err := e.getPlayer(ctx, gameID, pos.PlayerID)
			if err != nil {
				return nil, err
			}
			balances[pos.PlayerID] = player.Balance
		}

		closePx := pos.CurrentPrice
		if price, ok, err := e.store.LatestPrice(ctx, pos.Symbol); err != nil {
			return nil, domain.NewError(domain.KindStoreTransient, "latest_price", err)
		} else if ok {
			closePx = price.Price
		} else if closePx == 0 {
			closePx = pos.EntryPrice
		}

		var pnl float64
		if pos.Side == domain.Buy {
			pnl = (closePx - pos.EntryPrice) * pos.Quantity
			balances[pos.PlayerID] += closePx * pos.Quantity
		}
		// SELL positions cannot exist under the v1 long-only fill rules
		// (spec §9 open question #2); no proceeds are credited for them.

		closed := domain.PositionClosed
		if err := e.updatePosition(ctx, pos.ID, store.PositionPatch{
			Status:        &closed,
			CurrentPrice:  &closePx,
			UnrealizedPnL: &pnl,
		}); err != nil {
			return nil, err
		}
	}
	return balances, nil
}
