// Package store defines the Data Store Gateway: the narrow set of typed
// operations the match engine is allowed to use. No call site outside this
// package (and its implementations) issues a query of its own — see
// spec §4.2 / §9 "No reliance on a specific data access library".
package store

import (
	"context"
	"time"

	"github.com/alpharoyale/backend/internal/domain"
)

// PositionPatch is the set of Position fields a caller may mutate via
// UpdatePosition. Pointer fields left nil are left untouched.
type PositionPatch struct {
	Status        *domain.PositionStatus
	CurrentPrice  *float64
	UnrealizedPnL *float64
	Quantity      *float64
	EntryPrice    *float64
}

// Gateway is the full set of operations the engine, driver, and scheduler
// depend on. Every mutation stamps an updated-at; not-found on a
// single-row lookup is conveyed as (zero-value, false), never an error.
type Gateway interface {
	// Global tick state (§3 GameState).
	CurrentTick(ctx context.Context) (domain.GameState, error)
	AdvanceTick(ctx context.Context, newTick int64) error

	// Price data (append-only).
	InsertPrice(ctx context.Context, symbol string, price float64, tick int64) error
	LatestPrice(ctx context.Context, symbol string) (domain.PriceData, bool, error)

	// Games.
	ActiveGames(ctx context.Context) ([]domain.Game, error)
	GetGame(ctx context.Context, gameID string) (domain.Game, bool, error)
	UpdateGameStatus(ctx context.Context, gameID string, status domain.GameStatus, endedAt *time.Time, winnerID string) error
	// StartGame stamps started_at exactly once and flips status to active.
	StartGame(ctx context.Context, gameID string, startedAt time.Time) error

	// Orders.
	PendingOrders(ctx context.Context, gameID string, orderType *domain.OrderType) ([]domain.Order, error)
	MarkOrder(ctx context.Context, orderID string, status domain.OrderStatus, filledPrice *float64) error
	InsertExecution(ctx context.Context, exec domain.OrderExecution) error

	// Positions.
	OpenPositions(ctx context.Context, gameID string) ([]domain.Position, error)
	InsertPosition(ctx context.Context, pos domain.Position) error
	UpdatePosition(ctx context.Context, id string, patch PositionPatch) error

	// Players.
	Players(ctx context.Context, gameID string, userID *string) ([]domain.GamePlayer, error)
	UpdatePlayer(ctx context.Context, gameID, userID string, balance, equity float64) error
	UpdatePlayerEquity(ctx context.Context, gameID, userID string, equity float64) error

	// Equity history (append-only).
	InsertEquityHistory(ctx context.Context, row domain.EquityHistory) error
}
