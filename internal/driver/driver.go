// Package driver implements the Global Tick Driver: the single operation
// that advances the global tick counter, ingests one round of prices, and
// dispatches every active game to the Tick Engine (spec §4.4).
package driver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/alpharoyale/backend/internal/domain"
	"github.com/alpharoyale/backend/internal/engine"
	"github.com/alpharoyale/backend/internal/notify"
	"github.com/alpharoyale/backend/internal/pricefeed"
	"github.com/alpharoyale/backend/internal/store"
	"github.com/alpharoyale/backend/logging"
	"github.com/alpharoyale/backend/monitoring"
)

// Driver owns one invocation of the global tick: fetch quotes, advance the
// tick counter, dispatch games. It holds no timer of its own; the
// Scheduler decides when Run is called (spec §4.6).
type Driver struct {
	store   store.Gateway
	feed    pricefeed.Feed
	engine  *engine.Engine
	symbols []string
	logger  *logging.Logger

	// concurrency caps how many games are dispatched to the engine at
	// once. Each game's own phases stay strictly ordered; only the
	// cross-game fan-out is parallel (spec §4.4 "dispatch may be
	// asynchronous").
	concurrency int

	notifier *notify.Hub
}

// New builds a Global Tick Driver.
func New(gw store.Gateway, feed pricefeed.Feed, eng *engine.Engine, symbols []string, logger *logging.Logger) *Driver {
	return &Driver{
		store:       gw,
		feed:        feed,
		engine:      eng,
		symbols:     symbols,
		logger:      logger,
		concurrency: 8,
	}
}

// SetNotifier attaches a Hub that receives a price change event for every
// symbol ingested each tick. A nil notifier (the default) is a no-op.
func (d *Driver) SetNotifier(hub *notify.Hub) {
	d.notifier = hub
}

// Run executes one global tick: steps 1-6 of spec §4.4. It returns an error
// for a price-feed total failure or a store failure reading the tick,
// inserting prices, advancing the tick, or listing active games (the last
// after the tick has already advanced); per-game
// failures are logged and otherwise do not fail the overall tick, so one
// broken game never blocks the rest (spec §4.3.3, §7 SchedulerFailure).
func (d *Driver) Run(ctx context.Context) error {
	start := time.Now()

	quotes, err := d.feed.FetchQuotes(ctx, d.symbols)
	if err != nil {
		d.logger.Error("price feed unavailable", err, logging.Component("driver"))
		logging.TrackError(ctx, err, "high", nil)
		monitoring.RecordTick("price_feed_error", msSince(start), 0)
		return err
	}
	for symbol := range quotes {
		monitoring.RecordQuote(symbol)
	}
	for _, symbol := range d.symbols {
		if _, ok := quotes[symbol]; !ok {
			monitoring.RecordPriceFeedError(symbol)
		}
	}

	state, err := d.store.CurrentTick(ctx)
	if err != nil {
		monitoring.RecordTick("store_error", msSince(start), 0)
		return domain.NewError(domain.KindStoreTransient, "current_tick", err)
	}
	nextTick := state.CurrentTick + 1

	// I5: price rows for this tick are written before the tick counter
	// advances.
	warm := make(map[string]domain.PriceData, len(quotes))
	for symbol, quote := range quotes {
		if err := d.store.InsertPrice(ctx, symbol, quote.Price, nextTick); err != nil {
			monitoring.RecordTick("store_error", msSince(start), 0)
			return domain.NewError(domain.KindStoreTransient, "insert_price", err)
		}
		warm[symbol] = domain.PriceData{Symbol: symbol, Price: quote.Price, Tick: nextTick, Timestamp: quote.VendorTimestamp}
		d.publishPrice(symbol, quote.Price, nextTick)
	}
	d.warmCache(ctx, warm)
	if err := d.store.AdvanceTick(ctx, nextTick); err != nil {
		monitoring.RecordTick("store_error", msSince(start), 0)
		return domain.NewError(domain.KindStoreTransient, "advance_tick", err)
	}

	games, err := d.store.ActiveGames(ctx)
	if err != nil {
		monitoring.RecordTick("store_error", msSince(start), 0)
		return domain.NewError(domain.KindStoreTransient, "active_games", err)
	}

	d.dispatch(ctx, games, nextTick)
	monitoring.SetActiveGames(len(games))
	monitoring.RecordTick("success", msSince(start), len(games))

	d.logger.Info("tick complete",
		logging.Tick(nextTick),
		logging.Int("games", len(games)),
		logging.Int("quotes", len(quotes)),
		logging.Duration(msSince(start)))
	return nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// priceWarmer is implemented by store.CachedGateway. The Driver only
// depends on store.Gateway, so it checks for this optional capability
// rather than importing the cache package directly.
type priceWarmer interface {
	WarmPrices(ctx context.Context, prices map[string]domain.PriceData) error
}

// warmCache pre-populates the latest-price cache for every symbol ingested
// this tick in one pipelined call, instead of leaving it to the per-symbol
// misses Phase A-D would otherwise take across each game's first read.
func (d *Driver) warmCache(ctx context.Context, prices map[string]domain.PriceData) {
	warmer, ok := d.store.(priceWarmer)
	if !ok || len(prices) == 0 {
		return
	}
	if err := warmer.WarmPrices(ctx, prices); err != nil {
		d.logger.Error("cache warm failed", err, logging.Component("driver"))
	}
}

func (d *Driver) publishPrice(symbol string, price float64, tick int64) {
	if d.notifier == nil {
		return
	}
	raw, err := json.Marshal(map[string]interface{}{"symbol": symbol, "price": price, "tick": tick})
	if err != nil {
		return
	}
	d.notifier.Broadcast(notify.ChangeEvent{
		Type:      "price",
		Symbol:    symbol,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, price)
}

// dispatch runs the tick (or close-out) for every active game, fanning out
// across at most d.concurrency goroutines. A failure in one game is logged
// and does not affect any other game.
func (d *Driver) dispatch(ctx context.Context, games []domain.Game, tick int64) {
	now := time.Now()
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for _, game := range games {
		game := game
		if d.expired(game, now) {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				d.closeOut(ctx, game, now)
			}()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.runGameTick(ctx, game, tick)
		}()
	}
	wg.Wait()
}

func (d *Driver) expired(game domain.Game, now time.Time) bool {
	if game.StartedAt == nil {
		return false
	}
	deadline := game.StartedAt.Add(time.Duration(game.DurationMinutes) * time.Minute)
	return !now.Before(deadline)
}

func (d *Driver) runGameTick(ctx context.Context, game domain.Game, tick int64) {
	if err := d.engine.RunTick(ctx, game.ID, tick); err != nil {
		d.logger.Error("tick failed for game", err,
			logging.GameID(game.ID), logging.Tick(tick), logging.Component("driver"))
		logging.TrackError(ctx, err, severityFor(err), map[string]interface{}{
			"game_id": game.ID, "tick": tick,
		})
	}
}

func (d *Driver) closeOut(ctx context.Context, game domain.Game, now time.Time) {
	if err := d.engine.CloseOut(ctx, game.ID, now); err != nil {
		d.logger.Error("close-out failed for game", err,
			logging.GameID(game.ID), logging.Component("driver"))
		logging.TrackError(ctx, err, severityFor(err), map[string]interface{}{"game_id": game.ID})
		return
	}
	monitoring.RecordGameCompleted()
}

// severityFor classifies an error for ErrorTracker's alert thresholds by
// its domain.Kind: transient/store errors recur under normal load and
// only warrant an alert after a run of them, while an invariant violation
// is itself a bug and should alert on first occurrence.
func severityFor(err error) string {
	switch {
	case domain.IsKind(err, domain.KindInvariantViolation):
		return "critical"
	case domain.IsKind(err, domain.KindStoreTransient), domain.IsKind(err, domain.KindPriceFeedUnavailable):
		return "high"
	case domain.IsKind(err, domain.KindValidationFailure):
		return "low"
	default:
		return "medium"
	}
}
