// Package engine implements the Tick Engine: the per-(game,tick) pipeline
// of spec §4.3 — market orders, limit orders, mark-to-market, equity
// refresh, conditional orders, equity-history append, run in that order.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/alpharoyale/backend/internal/domain"
	"github.com/alpharoyale/backend/internal/notify"
	"github.com/alpharoyale/backend/internal/store"
	"github.com/alpharoyale/backend/logging"
	"github.com/alpharoyale/backend/monitoring"
)

// Engine runs the six ordered phases for a single game at a single tick.
type Engine struct {
	store    store.Gateway
	logger   *logging.Logger
	notifier *notify.Hub
}

// New builds a Tick Engine backed by the given Gateway.
func New(gw store.Gateway, logger *logging.Logger) *Engine {
	return &Engine{store: gw, logger: logger}
}

// SetNotifier attaches a Hub that receives a change event for every fill,
// rejection, and equity snapshot the Engine produces (spec §6: the Gateway
// produces realtime change notifications; consumption is a UI concern).
// A nil notifier (the default) makes publish a no-op.
func (e *Engine) SetNotifier(hub *notify.Hub) {
	e.notifier = hub
}

func (e *Engine) publish(eventType, gameID, symbol string, price float64, payload interface{}) {
	if e.notifier == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e.notifier.Broadcast(notify.ChangeEvent{
		Type:      eventType,
		GameID:    gameID,
		Symbol:    symbol,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, price)
}

// RunTick executes phases A through F for (gameID, tick). Infrastructure
// errors abort the tick and propagate to the caller (the Global Tick
// Driver), which continues dispatching other games (spec §4.3.3).
func (e *Engine) RunTick(ctx context.Context, gameID string, tick int64) error {
	if err := e.phaseMarket(ctx, gameID, tick); err != nil {
		return fmt.Errorf("phase A (market): %w", err)
	}
	if err := e.phaseLimit(ctx, gameID, tick); err != nil {
		return fmt.Errorf("phase B (limit): %w", err)
	}
	if err := e.phaseMarkToMarket(ctx, gameID); err != nil {
		return fmt.Errorf("phase C (mark-to-market): %w", err)
	}
	if err := e.phaseEquityRefresh(ctx, gameID); err != nil {
		return fmt.Errorf("phase D (equity refresh): %w", err)
	}
	if err := e.phaseConditional(ctx, gameID, tick); err != nil {
		return fmt.Errorf("phase E (conditional): %w", err)
	}
	if err := e.phaseEquityHistory(ctx, gameID, tick); err != nil {
		return fmt.Errorf("phase F (equity history): %w", err)
	}
	return nil
}

// positionKey identifies the at-most-one-open-position slot (spec I1/§3).
type positionKey struct {
	playerID string
	symbol   string
}

// loadOpenPositionIndex loads every open position once, indexed by
// (player, symbol), as phases A/B require.
func (e *Engine) loadOpenPositionIndex(ctx context.Context, gameID string) (map[positionKey]domain.Position, error) {
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}
	idx := make(map[positionKey]domain.Position, len(positions))
	for _, p := range positions {
		idx[positionKey{p.PlayerID, p.Symbol}] = p
	}
	return idx, nil
}

func validQuantity(q float64) bool {
	return !math.IsNaN(q) && !math.IsInf(q, 0) && q > 0
}

// reject marks an order rejected. Rejection is itself a domain decision,
// not an infrastructure failure, so the caller does not abort the tick.
func (e *Engine) reject(ctx context.Context, order domain.Order, reason string) {
	if err := e.store.MarkOrder(ctx, order.ID, domain.OrderRejected, nil); err != nil {
		e.logger.Error("failed to mark order rejected", err)
		logging.TrackError(ctx, err, "high", map[string]interface{}{
			"game_id": order.GameID, "order_id": order.ID,
		})
		return
	}
	e.logger.Warn("order rejected",
		logging.OrderID(order.ID), logging.Symbol(order.Symbol), logging.String("reason", reason))
	monitoring.RecordOrderOutcome(string(order.OrderType), "rejected")
	e.publish("order", order.GameID, order.Symbol, 0, map[string]string{
		"order_id": order.ID, "status": "rejected", "reason": reason,
	})
}

// phaseMarket is phase A: pending MARKET orders fill at the latest price
// or stay pending when no price is known.
func (e *Engine) phaseMarket(ctx context.Context, gameID string, tick int64) error {
	orderType := domain.OrderMarket
	orders, err := e.store.PendingOrders(ctx, gameID, &orderType)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "pending_orders", err)
	}

	positions, err := e.loadOpenPositionIndex(ctx, gameID)
	if err != nil {
		return err
	}

	for _, order := range orders {
		if !validQuantity(order.QuantityOrZero()) {
			e.reject(ctx, order, "invalid quantity")
			continue
		}

		price, ok, err := e.store.LatestPrice(ctx, order.Symbol)
		if err != nil {
			return domain.NewError(domain.KindStoreTransient, "latest_price", err)
		}
		if !ok {
			continue // no price this tick: stay pending, never reject
		}

		pos, hasPos := positions[positionKey{order.PlayerID, order.Symbol}]
		if err := e.fillMarketOrLimit(ctx, order, price.Price, tick, hasPos, pos); err != nil {
			return err
		}
		// Refresh the local index so a later order in the same phase sees
		// the position this order just created/merged/reduced.
		positions, err = e.loadOpenPositionIndex(ctx, gameID)
		if err != nil {
			return err
		}
	}
	return nil
}

// phaseLimit is phase B: LIMIT orders fill only when triggered by the
// latest price, at the observed last price (not the limit price).
func (e *Engine) phaseLimit(ctx context.Context, gameID string, tick int64) error {
	orderType := domain.OrderLimit
	orders, err := e.store.PendingOrders(ctx, gameID, &orderType)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "pending_orders", err)
	}

	positions, err := e.loadOpenPositionIndex(ctx, gameID)
	if err != nil {
		return err
	}

	for _, order := range orders {
		if !validQuantity(order.QuantityOrZero()) {
			e.reject(ctx, order, "invalid quantity")
			continue
		}
		if order.Price == nil {
			e.reject(ctx, order, "missing limit price")
			continue
		}

		price, ok, err := e.store.LatestPrice(ctx, order.Symbol)
		if err != nil {
			return domain.NewError(domain.KindStoreTransient, "latest_price", err)
		}
		if !ok {
			continue
		}

		triggered := (order.Side == domain.Buy && price.Price <= *order.Price) ||
			(order.Side == domain.Sell && price.Price >= *order.Price)
		if !triggered {
			continue // unmet trigger: stays pending, never rejected
		}

		pos, hasPos := positions[positionKey{order.PlayerID, order.Symbol}]
		if err := e.fillMarketOrLimit(ctx, order, price.Price, tick, hasPos, pos); err != nil {
			return err
		}
		positions, err = e.loadOpenPositionIndex(ctx, gameID)
		if err != nil {
			return err
		}
	}
	return nil
}

// fillMarketOrLimit is the shared BUY/SELL fill logic of phases A and B.
func (e *Engine) fillMarketOrLimit(ctx context.Context, order domain.Order, price float64, tick int64, hasPos bool, pos domain.Position) error {
	qty := order.QuantityOrZero()

	if order.Side == domain.Buy {
		player, err := e.getPlayer(ctx, order.GameID, order.PlayerID)
		if err != nil {
			return err
		}
		cost := qty * price
		if player.Balance < cost {
			e.reject(ctx, order, "insufficient balance")
			return nil
		}
		if err := e.markFilled(ctx, order, price); err != nil {
			return err
		}
		if err := e.recordExecution(ctx, order, domain.Buy, qty, price, tick); err != nil {
			return err
		}
		newBalance := player.Balance - cost
		if err := e.openOrMergePosition(ctx, order, qty, price, hasPos, pos); err != nil {
			return err
		}
		return e.recomputeEquity(ctx, order.GameID, order.PlayerID, newBalance)
	}

	// SELL: requires an open BUY position with enough quantity (I3).
	if !hasPos || pos.Side != domain.Buy || pos.Quantity < qty {
		e.reject(ctx, order, "no matching long position")
		return nil
	}
	player, err := e.getPlayer(ctx, order.GameID, order.PlayerID)
	if err != nil {
		return err
	}
	if err := e.markFilled(ctx, order, price); err != nil {
		return err
	}
	if err := e.recordExecution(ctx, order, domain.Sell, qty, price, tick); err != nil {
		return err
	}
	newBalance := player.Balance + qty*price
	if err := e.reduceOrClosePosition(ctx, pos, qty, price); err != nil {
		return err
	}
	return e.recomputeEquity(ctx, order.GameID, order.PlayerID, newBalance)
}

func (e *Engine) markFilled(ctx context.Context, order domain.Order, price float64) error {
	p := price
	if err := e.store.MarkOrder(ctx, order.ID, domain.OrderFilled, &p); err != nil {
		return domain.NewError(domain.KindStoreTransient, "mark_order", err)
	}
	monitoring.RecordOrderOutcome(string(order.OrderType), "filled")
	e.publish("order", order.GameID, order.Symbol, price, map[string]interface{}{
		"order_id": order.ID, "status": "filled", "price": price,
	})
	return nil
}

func (e *Engine) recordExecution(ctx context.Context, order domain.Order, side domain.Side, qty, price float64, tick int64) error {
	err := e.store.InsertExecution(ctx, domain.OrderExecution{
		OrderID:        order.ID,
		GameID:         order.GameID,
		PlayerID:       order.PlayerID,
		Symbol:         order.Symbol,
		Side:           side,
		Quantity:       qty,
		ExecutionPrice: price,
		Tick:           tick,
	})
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "insert_execution", err)
	}
	return nil
}

// openOrMergePosition implements the weighted-average merge rule of
// spec §4.3 Phase A.
func (e *Engine) openOrMergePosition(ctx context.Context, order domain.Order, qty, price float64, hasPos bool, pos domain.Position) error {
	if !hasPos {
		return e.insertPosition(ctx, order.GameID, order.PlayerID, order.Symbol, qty, price)
	}
	newQty := pos.Quantity + qty
	newEntry := (pos.Quantity*pos.EntryPrice + qty*price) / newQty
	return e.updatePosition(ctx, pos.ID, store.PositionPatch{
		Quantity:   &newQty,
		EntryPrice: &newEntry,
	})
}

func (e *Engine) insertPosition(ctx context.Context, gameID, playerID, symbol string, qty, price float64) error {
	err := e.store.InsertPosition(ctx, domain.Position{
		GameID:     gameID,
		PlayerID:   playerID,
		Symbol:     symbol,
		Side:       domain.Buy,
		Quantity:   qty,
		EntryPrice: price,
		Leverage:   1,
		Status:     domain.PositionOpen,
	})
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "insert_position", err)
	}
	return nil
}

func (e *Engine) updatePosition(ctx context.Context, id string, patch store.PositionPatch) error {
	if err := e.store.UpdatePosition(ctx, id, patch); err != nil {
		return domain.NewError(domain.KindStoreTransient, "update_position", err)
	}
	return nil
}

// reduceOrClosePosition decrements a position by qty sold at price,
// closing it when the full quantity is sold.
func (e *Engine) reduceOrClosePosition(ctx context.Context, pos domain.Position, qty, price float64) error {
	if qty >= pos.Quantity {
		closed := domain.PositionClosed
		return e.updatePosition(ctx, pos.ID, store.PositionPatch{
			Status:       &closed,
			CurrentPrice: &price,
		})
	}
	remaining := pos.Quantity - qty
	return e.updatePosition(ctx, pos.ID, store.PositionPatch{
		Quantity:     &remaining,
		CurrentPrice: &price,
	})
}

func (e *Engine) getPlayer(ctx context.Context, gameID, playerID string) (domain.GamePlayer, error) {
	players, err := e.store.Players(ctx, gameID, &playerID)
	if err != nil {
		return domain.GamePlayer{}, domain.NewError(domain.KindStoreTransient, "players", err)
	}
	if len(players) == 0 {
		return domain.GamePlayer{}, domain.NewError(domain.KindStoreTransient, "player not found", nil)
	}
	return players[0], nil
}

// recomputeEquity is spec §4.3.1: after any fill, equity is recomputed
// from the fresh balance plus unrealized P&L across remaining open
// positions, and both are written together.
func (e *Engine) recomputeEquity(ctx context.Context, gameID, playerID string, newBalance float64) error {
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}
	var unrealized float64
	for _, p := range positions {
		if p.PlayerID == playerID {
			unrealized += p.UnrealizedPnL
		}
	}
	if err := e.store.UpdatePlayer(ctx, gameID, playerID, newBalance, newBalance+unrealized); err != nil {
		return domain.NewError(domain.KindStoreTransient, "update_player", err)
	}
	return nil
}

// phaseMarkToMarket is phase C: refresh current_price/unrealized_pnl on
// every open position from the latest known price, leaving unknown-price
// positions untouched.
func (e *Engine) phaseMarkToMarket(ctx context.Context, gameID string) error {
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}
	bySymbol := make(map[string]int, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol]++
	}
	for symbol, count := range bySymbol {
		monitoring.SetOpenPositions(symbol, count)
	}
	for _, pos := range positions {
		price, ok, err := e.store.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			return domain.NewError(domain.KindStoreTransient, "latest_price", err)
		}
		if !ok {
			continue
		}
		pnl := unrealizedPnL(pos.Side, price.Price, pos.EntryPrice, pos.Quantity, pos.Leverage)
		last := price.Price
		if err := e.updatePosition(ctx, pos.ID, store.PositionPatch{
			CurrentPrice:  &last,
			UnrealizedPnL: &pnl,
		}); err != nil {
			return err
		}
	}
	return nil
}

// unrealizedPnL honors leverage only in mark-to-market, per spec §9 — fill
// paths and cash math always use notional qty*price, never leveraged.
func unrealizedPnL(side domain.Side, last, entry, qty, leverage float64) float64 {
	switch side {
	case domain.Buy:
		return (last - entry) * qty * leverage
	case domain.Sell:
		return (entry - last) * qty * leverage
	default:
		return 0
	}
}

// phaseEquityRefresh is phase D: for every player, equity = balance + sum
// of unrealized P&L across their open positions. Balance is not touched.
func (e *Engine) phaseEquityRefresh(ctx context.Context, gameID string) error {
	players, err := e.store.Players(ctx, gameID, nil)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "players", err)
	}
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}

	unrealizedByPlayer := make(map[string]float64, len(players))
	for _, p := range positions {
		unrealizedByPlayer[p.PlayerID] += p.UnrealizedPnL
	}

	for _, player := range players {
		equity := player.Balance + unrealizedByPlayer[player.UserID]
		if err := e.store.UpdatePlayerEquity(ctx, gameID, player.UserID, equity); err != nil {
			return domain.NewError(domain.KindStoreTransient, "update_player_equity", err)
		}
	}
	return nil
}

// phaseConditional is phase E: TAKE_PROFIT / STOP_LOSS orders evaluated
// against the latest price, processed last because a crash-replay may
// re-fire a conditional order if the earlier fill never committed (spec
// §4.3.3).
func (e *Engine) phaseConditional(ctx context.Context, gameID string, tick int64) error {
	tpOrders, err := e.pendingConditional(ctx, gameID, domain.OrderTakeProfit)
	if err != nil {
		return err
	}
	slOrders, err := e.pendingConditional(ctx, gameID, domain.OrderStopLoss)
	if err != nil {
		return err
	}

	for _, order := range append(tpOrders, slOrders...) {
		if err := e.fireConditional(ctx, order, tick); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pendingConditional(ctx context.Context, gameID string, t domain.OrderType) ([]domain.Order, error) {
	orders, err := e.store.PendingOrders(ctx, gameID, &t)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreTransient, "pending_orders", err)
	}
	return orders, nil
}

func (e *Engine) fireConditional(ctx context.Context, order domain.Order, tick int64) error {
	if order.PositionID == nil {
		e.reject(ctx, order, "missing position reference")
		return nil
	}
	pos, ok, err := e.positionByID(ctx, order.GameID, *order.PositionID)
	if err != nil {
		return err
	}
	if !ok || pos.Status != domain.PositionOpen || pos.Side != domain.Buy || pos.Symbol != order.Symbol {
		e.reject(ctx, order, "position not open long in this symbol")
		return nil
	}

	price, ok, err := e.store.LatestPrice(ctx, order.Symbol)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "latest_price", err)
	}
	if !ok {
		return nil // no price this tick: stay pending
	}

	var triggered bool
	if order.TriggerPrice == nil {
		e.reject(ctx, order, "missing trigger price")
		return nil
	}
	switch order.OrderType {
	case domain.OrderTakeProfit:
		triggered = price.Price >= *order.TriggerPrice
	case domain.OrderStopLoss:
		triggered = price.Price <= *order.TriggerPrice
	}
	if !triggered {
		return nil
	}

	executeQty := pos.Quantity
	if order.Quantity != nil {
		executeQty = *order.Quantity
	}
	if !(executeQty > 0 && executeQty <= pos.Quantity) {
		e.reject(ctx, order, "invalid execution quantity")
		return nil
	}

	player, err := e.getPlayer(ctx, order.GameID, order.PlayerID)
	if err != nil {
		return err
	}
	if err := e.markFilled(ctx, order, price.Price); err != nil {
		return err
	}
	if err := e.recordExecution(ctx, order, domain.Sell, executeQty, price.Price, tick); err != nil {
		return err
	}
	newBalance := player.Balance + price.Price*executeQty

	if executeQty >= pos.Quantity {
		closed := domain.PositionClosed
		realized := (price.Price - pos.EntryPrice) * executeQty
		if err := e.updatePosition(ctx, pos.ID, store.PositionPatch{
			Status:        &closed,
			CurrentPrice:  &price.Price,
			UnrealizedPnL: &realized,
		}); err != nil {
			return err
		}
	} else {
		remaining := pos.Quantity - executeQty
		if err := e.updatePosition(ctx, pos.ID, store.PositionPatch{
			Quantity:     &remaining,
			CurrentPrice: &price.Price,
		}); err != nil {
			return err
		}
	}
	return e.recomputeEquity(ctx, order.GameID, order.PlayerID, newBalance)
}

func (e *Engine) positionByID(ctx context.Context, gameID, positionID string) (domain.Position, bool, error) {
	positions, err := e.store.OpenPositions(ctx, gameID)
	if err != nil {
		return domain.Position{}, false, domain.NewError(domain.KindStoreTransient, "open_positions", err)
	}
	for _, p := range positions {
		if p.ID == positionID {
			return p, true, nil
		}
	}
	return domain.Position{}, false, nil
}

// phaseEquityHistory is phase F: append one equity_history row per player.
func (e *Engine) phaseEquityHistory(ctx context.Context, gameID string, tick int64) error {
	players, err := e.store.Players(ctx, gameID, nil)
	if err != nil {
		return domain.NewError(domain.KindStoreTransient, "players", err)
	}
	for _, player := range players {
		err := e.store.InsertEquityHistory(ctx, domain.EquityHistory{
			GameID:   gameID,
			PlayerID: player.UserID,
			Tick:     tick,
			Balance:  player.Balance,
			Equity:   player.Equity,
		})
		if err != nil {
			return domain.NewError(domain.KindStoreTransient, "insert_equity_history", err)
		}
		monitoring.RecordEquitySnapshot()
		e.publish("equity", gameID, "", player.Equity, map[string]interface{}{
			"player_id": player.UserID, "tick": tick, "balance": player.Balance, "equity": player.Equity,
		})
	}
	return nil
}
