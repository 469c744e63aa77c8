package driver

import (
	"context"
	"testing"
	"time"

	"github.com/alpharoyale/backend/internal/domain"
	"github.com/alpharoyale/backend/internal/engine"
	"github.com/alpharoyale/backend/internal/notify"
	"github.com/alpharoyale/backend/internal/pricefeed"
	"github.com/alpharoyale/backend/internal/store"
	"github.com/alpharoyale/backend/logging"
)

// feedStub is a fixed-price pricefeed.Feed for driver tests. Symbols not
// present in prices are simply omitted from the result, mirroring a
// vendor miss (spec §4.1).
type feedStub struct {
	prices map[string]float64
}

func (f feedStub) FetchQuotes(ctx context.Context, symbols []string) (map[string]pricefeed.Quote, error) {
	out := make(map[string]pricefeed.Quote, len(f.prices))
	for symbol, price := range f.prices {
		out[symbol] = pricefeed.Quote{Price: price, VendorTimestamp: time.Now()}
	}
	return out, nil
}

var _ pricefeed.Feed = feedStub{}

func ptr(f float64) *float64 { return &f }

func newTestDriver(mem *store.Memory, feed feedStub) *Driver {
	eng := engine.New(mem, logging.NewLogger(logging.ERROR))
	return New(mem, feed, eng, []string{"BTC", "ETH"}, logging.NewLogger(logging.ERROR))
}

func TestRunAdvancesTickAndInsertsPrices(t *testing.T) {
	mem := store.NewMemory()
	feed := feedStub{prices: map[string]float64{"BTC": 51000, "ETH": 3100}}
	d := newTestDriver(mem, feed)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, _ := mem.CurrentTick(context.Background())
	if state.CurrentTick != 1 {
		t.Fatalf("expected tick 1, got %d", state.CurrentTick)
	}
	price, ok, _ := mem.LatestPrice(context.Background(), "BTC")
	if !ok || price.Price != 51000 || price.Tick != 1 {
		t.Fatalf("unexpected BTC price row: %+v ok=%v", price, ok)
	}
}

func TestRunSkipsMissingSymbolsWithoutFailing(t *testing.T) {
	mem := store.NewMemory()
	feed := feedStub{prices: map[string]float64{"BTC": 51000}} // ETH missing
	d := newTestDriver(mem, feed)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, ok, _ := mem.LatestPrice(context.Background(), "ETH")
	if ok {
		t.Fatalf("expected no ETH price row")
	}
}

func TestRunDispatchesActiveStartedGames(t *testing.T) {
	mem := store.NewMemory()
	started := time.Now().Add(-time.Minute)
	mem.SeedGame(domain.Game{
		ID: "g1", Player1ID: "alice", Status: domain.GameActive,
		DurationMinutes: 30, StartedAt: &started,
	}, domain.GamePlayer{GameID: "g1", UserID: "alice", Balance: 10000, Equity: 10000})
	mem.SeedOrder(domain.Order{GameID: "g1", PlayerID: "alice", Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	feed := feedStub{prices: map[string]float64{"BTC": 51000}}
	d := newTestDriver(mem, feed)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	positions, _ := mem.OpenPositions(context.Background(), "g1")
	if len(positions) != 1 {
		t.Fatalf("expected the dispatched tick to fill the order, got %d positions", len(positions))
	}
}

func TestRunClosesOutExpiredGamesWithoutRunningATick(t *testing.T) {
	mem := store.NewMemory()
	started := time.Now().Add(-2 * time.Hour)
	mem.SeedGame(domain.Game{
		ID: "g1", Player1ID: "alice", Status: domain.GameActive,
		DurationMinutes: 30, StartedAt: &started,
	}, domain.GamePlayer{GameID: "g1", UserID: "alice", Balance: 10000, Equity: 10000})
	mem.SeedOrder(domain.Order{ID: "order-1", GameID: "g1", PlayerID: "alice", Symbol: "BTC",
		OrderType: domain.OrderMarket, Side: domain.Buy, Quantity: ptr(0.1), Status: domain.OrderPending})

	feed := feedStub{prices: map[string]float64{"BTC": 51000}}
	d := newTestDriver(mem, feed)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	game, ok, _ := mem.GetGame(context.Background(), "g1")
	if !ok || game.Status != domain.GameCompleted {
		t.Fatalf("expected game completed, got %+v ok=%v", game, ok)
	}
	order, ok := mem.Order("order-1")
	if !ok || order.Status != domain.OrderRejected {
		t.Fatalf("expected the pending order rejected by close-out, got %+v ok=%v", order, ok)
	}
	positions, _ := mem.OpenPositions(context.Background(), "g1")
	if len(positions) != 0 {
		t.Fatalf("expected no open positions after close-out, got %d", len(positions))
	}
}

// A run with a notifier attached publishes a price event per ingested
// symbol, readable back through GetLatestPrice.
func TestRunPublishesPriceEventsWhenNotifierAttached(t *testing.T) {
	mem := store.NewMemory()
	feed := feedStub{prices: map[string]float64{"BTC": 51000, "ETH": 3100}}
	d := newTestDriver(mem, feed)

	hub := notify.NewHub()
	d.SetNotifier(hub)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	event, ok := hub.GetLatestPrice("BTC")
	if !ok || event.Symbol != "BTC" {
		t.Fatalf("expected a recorded BTC price event, got %+v ok=%v", event, ok)
	}
}
