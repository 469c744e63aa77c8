package engine

import (
	"context"
	"testing"

	"github.com/alpharoyale/backend/internal/domain"
	"github.com/alpharoyale/backend/internal/notify"
	"github.com/alpharoyale/backend/internal/store"
	"github.com/alpharoyale/backend/logging"
)

func newTestEngine() (*Engine, *store.Memory) {
	mem := store.NewMemory()
	return New(mem, logging.NewLogger(logging.ERROR)), mem
}

func ptr(f float64) *float64 { return &f }

const gameID = "game-1"
const playerID = "alice"

func seedGame(mem *store.Memory, balance float64) {
	mem.SeedGame(
		domain.Game{ID: gameID, Player1ID: playerID, Status: domain.GameActive},
		domain.GamePlayer{GameID: gameID, UserID: playerID, Balance: balance, Equity: balance},
	)
}

// Scenario 1: Market BUY creates a position.
func TestMarketBuyCreatesPosition(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)

	order := domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending}
	mem.SeedOrder(order)

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	orders, _ := mem.PendingOrders(context.Background(), gameID, nil)
	if len(orders) != 0 {
		t.Fatalf("expected no pending orders, got %d", len(orders))
	}
	execs := mem.Executions()
	if len(execs) != 1 || execs[0].ExecutionPrice != 50000 {
		t.Fatalf("expected one execution @50000, got %+v", execs)
	}
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	if len(positions) != 1 || positions[0].Quantity != 0.1 || positions[0].EntryPrice != 50000 {
		t.Fatalf("unexpected position: %+v", positions)
	}
	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 5000 {
		t.Fatalf("expected balance 5000, got %v", player.Balance)
	}
	if player.Equity != 5000 {
		t.Fatalf("expected equity 5000, got %v", player.Equity)
	}
}

// Scenario 2: SELL without a position is rejected.
func TestSellWithoutPositionRejected(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "ETH", 3000, 1)

	order := domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "ETH",
		OrderType: domain.OrderMarket, Side: domain.Sell, Quantity: ptr(1.0), Status: domain.OrderPending}
	mem.SeedOrder(order)

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	orders, _ := mem.PendingOrders(context.Background(), gameID, nil)
	if len(orders) != 0 {
		t.Fatalf("expected no pending orders left")
	}
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	if len(positions) != 0 {
		t.Fatalf("expected no positions, got %+v", positions)
	}
	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 10000 {
		t.Fatalf("balance should be unchanged, got %v", player.Balance)
	}
}

// Scenario 3: TAKE_PROFIT triggers and closes.
func TestTakeProfitTriggersAndCloses(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 0)
	mem.SeedPosition(domain.Position{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		Side: domain.Buy, Quantity: 0.2, EntryPrice: 51000, Leverage: 1, Status: domain.PositionOpen})
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	posID := positions[0].ID

	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderTakeProfit, Side: domain.Sell, Quantity: ptr(0.2),
		TriggerPrice: ptr(55000.0), PositionID: &posID, Status: domain.OrderPending})

	mem.InsertPrice(context.Background(), "BTC", 55100, 1)

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	pos, _ := mem.Position(posID)
	if pos.Status != domain.PositionClosed {
		t.Fatalf("expected position closed, got %v", pos.Status)
	}
	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 11020 {
		t.Fatalf("expected balance 11020, got %v", player.Balance)
	}
	if player.Equity != player.Balance {
		t.Fatalf("expected equity == balance, got equity=%v balance=%v", player.Equity, player.Balance)
	}
}

// Scenario 4: STOP_LOSS triggers and closes.
func TestStopLossTriggersAndCloses(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 0)
	mem.SeedPosition(domain.Position{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		Side: domain.Buy, Quantity: 0.2, EntryPrice: 51000, Leverage: 1, Status: domain.PositionOpen})
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	posID := positions[0].ID

	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderStopLoss, Side: domain.Sell, Quantity: ptr(0.2),
		TriggerPrice: ptr(48000.0), PositionID: &posID, Status: domain.OrderPending})

	mem.InsertPrice(context.Background(), "BTC", 47900, 1)

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	pos, _ := mem.Position(posID)
	if pos.Status != domain.PositionClosed {
		t.Fatalf("expected position closed, got %v", pos.Status)
	}
	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 9580 {
		t.Fatalf("expected balance 9580, got %v", player.Balance)
	}
}

// Scenario 5: position merge across ticks.
func TestPositionMergeAcrossTicks(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 20000)

	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})
	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 15000 {
		t.Fatalf("expected balance 15000 after tick 1, got %v", player.Balance)
	}

	mem.InsertPrice(context.Background(), "BTC", 60000, 2)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})
	if err := eng.RunTick(context.Background(), gameID, 2); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	player, _ = mem.Player(gameID, playerID)
	if player.Balance != 9000 {
		t.Fatalf("expected balance 9000 after tick 2, got %v", player.Balance)
	}
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	if len(positions) != 1 {
		t.Fatalf("expected single merged position, got %d", len(positions))
	}
	if positions[0].Quantity != 0.2 || positions[0].EntryPrice != 55000 {
		t.Fatalf("expected merged qty=0.2 entry=55000, got %+v", positions[0])
	}
}

// Scenario 6: insufficient balance rejects the order.
func TestInsufficientBalanceRejected(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 4000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)

	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	player, _ := mem.Player(gameID, playerID)
	if player.Balance != 4000 {
		t.Fatalf("expected balance unchanged at 4000, got %v", player.Balance)
	}
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	if len(positions) != 0 {
		t.Fatalf("expected no position, got %+v", positions)
	}
}

// Boundary: a zero-quantity order is rejected rather than left pending.
func TestZeroQuantityRejected(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	orders, _ := mem.PendingOrders(context.Background(), gameID, nil)
	if len(orders) != 0 {
		t.Fatalf("expected order resolved (rejected), got %d pending", len(orders))
	}
}

// Boundary: missing price leaves a MARKET order pending, never rejected.
func TestMissingPriceLeavesOrdersPending(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	// No InsertPrice call: ETH has no latest price at all.
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "ETH",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(1.0), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	orders, _ := mem.PendingOrders(context.Background(), gameID, nil)
	if len(orders) != 1 || orders[0].Status != domain.OrderPending {
		t.Fatalf("expected order to remain pending, got %+v", orders)
	}
}

// Boundary: LIMIT BUY triggers inclusively when last == limit.
func TestLimitBuyTriggersInclusive(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderLimit, Side: domain.Buy, Quantity: ptr(0.1),
		Price: ptr(50000.0), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	positions, _ := mem.OpenPositions(context.Background(), gameID)
	if len(positions) != 1 {
		t.Fatalf("expected LIMIT BUY to trigger inclusively, got %d positions", len(positions))
	}
}

// Idempotence: re-running a tick with no external state change leaves
// terminal orders untouched and does not duplicate executions.
func TestRerunTickIsIdempotentForTerminalOrders(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("tick 1 replay: %v", err)
	}

	execs := mem.Executions()
	if len(execs) != 1 {
		t.Fatalf("expected exactly one execution after replay, got %d", len(execs))
	}
}

// A tick runs to completion with a live notifier attached: fills and the
// equity snapshot publish without blocking or panicking.
func TestTickPublishesWithNotifierAttached(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	hub := notify.NewHub()
	eng.SetNotifier(hub)

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	execs := mem.Executions()
	if len(execs) != 1 {
		t.Fatalf("expected one execution, got %d", len(execs))
	}
}

// A nil notifier (the default) never panics across a full tick.
func TestEngineRunsWithoutNotifier(t *testing.T) {
	eng, mem := newTestEngine()
	seedGame(mem, 10000)
	mem.InsertPrice(context.Background(), "BTC", 50000, 1)
	mem.SeedOrder(domain.Order{GameID: gameID, PlayerID: playerID, Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	if err := eng.RunTick(context.Background(), gameID, 1); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
}
